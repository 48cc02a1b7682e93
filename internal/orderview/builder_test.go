package orderview

import (
	"context"
	"errors"
	"testing"
	"time"

	"delivery-guard/internal/models"
	"delivery-guard/internal/repository/memory"
	"delivery-guard/internal/storefront"
)

type fakeSource struct {
	orders map[string]*storefront.Order
	calls  int
}

func (f *fakeSource) LoadOrder(_ context.Context, orderID string) (*storefront.Order, error) {
	f.calls++
	o, ok := f.orders[orderID]
	if !ok {
		return nil, storefront.ErrNotFound
	}
	return o, nil
}

func testQR() *models.DeliveryQRToken {
	return &models.DeliveryQRToken{
		ID:          "qr-1",
		OrderID:     "order-1",
		WarehouseID: "wh-1",
		Status:      models.QRStatusPending,
	}
}

func TestBuildCachesLiveRebuild(t *testing.T) {
	store := memory.NewStore()
	src := &fakeSource{orders: map[string]*storefront.Order{
		"order-1": {
			ID:              "order-1",
			OrderNumber:     "PED-1001",
			CustomerName:    " Ana Gómez ",
			ShippingAddress: "Calle 10 # 20-30",
			ShippingCity:    "Medellín",
			Warehouse:       &storefront.Warehouse{ID: "wh-1", Name: "Bodega Norte"},
			Items: []storefront.OrderItem{
				{SKU: "SKU-A", ProductName: "Crema", Quantity: 2},
				{SKU: "SKU-B", ProductName: "Sérum", Quantity: 1},
				{SKU: "SKU-A", ProductName: "Crema", Quantity: 1},
			},
			Packages: []storefront.OrderPackage{
				{PackageNumber: 2, CarrierBarcode: "BC-2", Contents: []storefront.PackageItem{{SKU: "SKU-A", Quantity: 1}}},
				{PackageNumber: 1, CarrierBarcode: "BC-1", Contents: []storefront.PackageItem{{SKU: "SKU-A", Quantity: 2}, {SKU: "SKU-B", Quantity: 1}}},
			},
		},
	}}
	b := NewBuilder(store, src).WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) })

	view, err := b.Build(context.Background(), testQR())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if view.CustomerName != "Ana Gómez" || view.ShippingAddress != "Calle 10 # 20-30, Medellín" {
		t.Errorf("unexpected customer fields: %+v", view)
	}
	if view.WarehouseName != "Bodega Norte" || view.TotalPackages != 2 {
		t.Errorf("unexpected warehouse/package fields: %+v", view)
	}
	if view.Packages[0].PackageNumber != 1 || view.Packages[0].Quantity != 3 || view.Packages[0].CustomerPackageNumber != "1/2" {
		t.Errorf("unexpected first package: %+v", view.Packages[0])
	}
	if len(view.Items) != 2 || view.Items[0].TotalQuantity != 3 || len(view.Items[0].Distribution) != 2 {
		t.Errorf("unexpected items: %+v", view.Items)
	}

	qr := testQR()
	qr.Status = models.QRStatusConfirmed
	again, err := b.Build(context.Background(), qr)
	if err != nil {
		t.Fatalf("second Build: %v", err)
	}
	if src.calls != 1 {
		t.Errorf("expected snapshot hit, source called %d times", src.calls)
	}
	if again.Status != string(models.QRStatusConfirmed) {
		t.Errorf("status should follow the qr, got %q", again.Status)
	}
}

func TestBuildImplicitSinglePackage(t *testing.T) {
	src := &fakeSource{orders: map[string]*storefront.Order{
		"order-1": {
			ID:    "order-1",
			Items: []storefront.OrderItem{{SKU: "X", ProductName: "Kit", Quantity: 4}},
		},
	}}
	view, err := NewBuilder(memory.NewStore(), src).Build(context.Background(), testQR())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if view.TotalPackages != 1 || view.Packages[0].Quantity != 4 {
		t.Fatalf("expected one implicit package with 4 units, got %+v", view.Packages)
	}
	if d := view.Items[0].Distribution; len(d) != 1 || d[0].PackageNumber != 1 || d[0].Quantity != 4 {
		t.Errorf("unexpected distribution %+v", d)
	}
}

func TestBuildMissingOrder(t *testing.T) {
	_, err := NewBuilder(memory.NewStore(), &fakeSource{}).Build(context.Background(), testQR())
	if !errors.Is(err, ErrOrderUnavailable) {
		t.Fatalf("expected ErrOrderUnavailable, got %v", err)
	}
}
