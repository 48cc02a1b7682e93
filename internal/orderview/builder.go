// Package orderview turns storefront order records into the display-safe view
// shown to a recipient after OTP verification.
package orderview

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"delivery-guard/internal/models"
	"delivery-guard/internal/repository"
	"delivery-guard/internal/storefront"
	"delivery-guard/internal/util"
)

var ErrOrderUnavailable = errors.New("order view unavailable")

// Source loads live order records.
type Source interface {
	LoadOrder(ctx context.Context, orderID string) (*storefront.Order, error)
}

type Builder struct {
	snapshots repository.SnapshotRepository
	source    Source
	now       func() time.Time
}

func NewBuilder(snapshots repository.SnapshotRepository, source Source) *Builder {
	return &Builder{snapshots: snapshots, source: source, now: time.Now}
}

func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build prefers the stored snapshot for the QR and falls back to a live
// rebuild, which is then saved. The status always reflects the QR.
func (b *Builder) Build(ctx context.Context, qr *models.DeliveryQRToken) (*models.OrderView, error) {
	view, err := b.snapshots.GetSnapshot(ctx, qr.ID)
	switch {
	case err == nil && view != nil:
		view.Status = string(qr.Status)
		return view, nil
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		util.Warn("Order snapshot lookup failed, rebuilding", util.String("qr_id", qr.ID), util.ErrorField(err))
	}

	if b.source == nil {
		return nil, ErrOrderUnavailable
	}

	order, err := b.source.LoadOrder(ctx, qr.OrderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	}

	view = Normalize(order, qr, b.now().UTC())
	if err := b.snapshots.SaveSnapshot(ctx, qr.ID, view); err != nil {
		util.Warn("Failed to save order snapshot", util.String("qr_id", qr.ID), util.ErrorField(err))
	}
	return view, nil
}

// Normalize builds the view from live records. An order without package
// rows is treated as a single package holding every item.
func Normalize(order *storefront.Order, qr *models.DeliveryQRToken, at time.Time) *models.OrderView {
	view := &models.OrderView{
		OrderID:         order.ID,
		OrderNumber:     order.OrderNumber,
		CustomerName:    strings.TrimSpace(order.CustomerName),
		ShippingAddress: joinAddress(order.ShippingAddress, order.ShippingCity),
		WarehouseID:     qr.WarehouseID,
		Status:          string(qr.Status),
		GeneratedAt:     at,
	}
	if view.WarehouseID == "" {
		view.WarehouseID = order.WarehouseID
	}
	if order.Warehouse != nil {
		view.WarehouseName = order.Warehouse.Name
	}

	items, skuIndex := aggregateItems(order.Items)

	packages := append([]storefront.OrderPackage(nil), order.Packages...)
	sort.SliceStable(packages, func(i, j int) bool { return packages[i].PackageNumber < packages[j].PackageNumber })

	if len(packages) == 0 {
		total := 0
		for i := range items {
			total += items[i].TotalQuantity
			items[i].Distribution = []models.PackageQuantity{{PackageNumber: 1, Quantity: items[i].TotalQuantity}}
		}
		view.TotalPackages = 1
		view.Packages = []models.PackageView{{
			PackageNumber:         1,
			TotalPackages:         1,
			CustomerPackageNumber: "1/1",
			Quantity:              total,
		}}
		view.Items = items
		return view
	}

	view.TotalPackages = len(packages)
	for i, p := range packages {
		number := p.PackageNumber
		if number <= 0 {
			number = i + 1
		}
		quantity := 0
		for _, c := range p.Contents {
			quantity += c.Quantity
			if idx, ok := skuIndex[c.SKU]; ok {
				items[idx].Distribution = append(items[idx].Distribution, models.PackageQuantity{
					PackageNumber: number,
					Quantity:      c.Quantity,
				})
			}
		}
		customerNumber := strings.TrimSpace(p.CustomerPackageNumber)
		if customerNumber == "" {
			customerNumber = fmt.Sprintf("%d/%d", number, len(packages))
		}
		view.Packages = append(view.Packages, models.PackageView{
			PackageNumber:         number,
			TotalPackages:         len(packages),
			CustomerPackageNumber: customerNumber,
			CarrierBarcode:        p.CarrierBarcode,
			Quantity:              quantity,
		})
	}
	view.Items = items
	return view
}

// aggregateItems merges line items sharing a SKU, keeping first-seen order.
func aggregateItems(lines []storefront.OrderItem) ([]models.ItemView, map[string]int) {
	var items []models.ItemView
	index := make(map[string]int)
	for _, line := range lines {
		sku := strings.TrimSpace(line.SKU)
		if idx, ok := index[sku]; ok {
			items[idx].TotalQuantity += line.Quantity
			continue
		}
		index[sku] = len(items)
		items = append(items, models.ItemView{
			SKU:           sku,
			Name:          strings.TrimSpace(line.ProductName),
			TotalQuantity: line.Quantity,
			Distribution:  []models.PackageQuantity{},
		})
	}
	return items, index
}

func joinAddress(line, city string) string {
	line, city = strings.TrimSpace(line), strings.TrimSpace(city)
	switch {
	case line == "":
		return city
	case city == "":
		return line
	}
	return line + ", " + city
}
