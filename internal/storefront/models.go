// Package storefront reads the order, profile and identity records owned by
// the storefront database. The delivery core never writes to it.
package storefront

import "time"

type Warehouse struct {
	ID   string `gorm:"type:uuid;primaryKey" json:"id"`
	Name string `json:"name"`
}

type Order struct {
	ID              string         `gorm:"type:uuid;primaryKey" json:"id"`
	OrderNumber     string         `gorm:"uniqueIndex" json:"order_number"`
	CustomerName    string         `json:"customer_name"`
	ShippingAddress string         `json:"shipping_address"`
	ShippingCity    string         `json:"shipping_city"`
	WarehouseID     string         `gorm:"type:uuid;index" json:"warehouse_id"`
	Warehouse       *Warehouse     `json:"warehouse,omitempty"`
	Status          string         `json:"status"`
	Items           []OrderItem    `json:"items,omitempty"`
	Packages        []OrderPackage `json:"packages,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

type OrderItem struct {
	ID          string `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID     string `gorm:"type:uuid;index" json:"order_id"`
	SKU         string `json:"sku"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
}

type OrderPackage struct {
	ID                    string        `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID               string        `gorm:"type:uuid;index" json:"order_id"`
	PackageNumber         int           `json:"package_number"`
	CustomerPackageNumber string        `json:"customer_package_number"`
	CarrierBarcode        string        `json:"carrier_barcode"`
	Contents              []PackageItem `gorm:"foreignKey:PackageID" json:"contents,omitempty"`
}

type PackageItem struct {
	ID        string `gorm:"type:uuid;primaryKey" json:"id"`
	PackageID string `gorm:"type:uuid;index" json:"package_id"`
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
}

// Profile is the storefront account record; Role is superadmin, distribuidor,
// aliado or cliente.
type Profile struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	Role      string    `gorm:"index" json:"role"`
	FullName  string    `json:"full_name"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthUser mirrors the identity provider's user table.
type AuthUser struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

func (AuthUser) TableName() string { return "auth_users" }
