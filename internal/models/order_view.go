package models

import "time"

// OrderView is the display-safe snapshot of an order shown to the recipient.
type OrderView struct {
	OrderID         string        `json:"order_id"`
	OrderNumber     string        `json:"order_number"`
	CustomerName    string        `json:"customer_name"`
	ShippingAddress string        `json:"shipping_address"`
	WarehouseID     string        `json:"warehouse_id"`
	WarehouseName   string        `json:"warehouse_name"`
	Status          string        `json:"status"`
	TotalPackages   int           `json:"total_packages"`
	Packages        []PackageView `json:"packages"`
	Items           []ItemView    `json:"items"`
	GeneratedAt     time.Time     `json:"generated_at"`
}

type PackageView struct {
	PackageNumber         int    `json:"package_number"`
	TotalPackages         int    `json:"total_packages"`
	CustomerPackageNumber string `json:"customer_package_number"`
	CarrierBarcode        string `json:"carrier_barcode"`
	Quantity              int    `json:"quantity"`
}

type ItemView struct {
	SKU           string            `json:"sku"`
	Name          string            `json:"name"`
	TotalQuantity int               `json:"total_quantity"`
	Distribution  []PackageQuantity `json:"distribution"`
}

type PackageQuantity struct {
	PackageNumber int `json:"package_number"`
	Quantity      int `json:"quantity"`
}
