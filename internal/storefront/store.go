package storefront

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"delivery-guard/internal/config"
	"delivery-guard/internal/util"
)

var ErrNotFound = errors.New("storefront record not found")

const RoleSuperadmin = "superadmin"

type Store struct {
	db *gorm.DB
}

func Connect(cfg config.PostgresConfig, production bool) (*Store, error) {
	level := logger.Warn
	if production {
		level = logger.Error
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to storefront database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access storefront pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	util.Info("Storefront database connected")
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// LoadOrder returns the order with its warehouse, line items and packages.
func (s *Store) LoadOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	err := s.db.WithContext(ctx).
		Preload("Warehouse").
		Preload("Items").
		Preload("Packages", func(db *gorm.DB) *gorm.DB { return db.Order("package_number ASC") }).
		Preload("Packages.Contents").
		First(&order, "id = ?", orderID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load order %s: %w", orderID, err)
	}
	return &order, nil
}

// EarliestProfileWithRole returns the id of the oldest profile holding role.
func (s *Store) EarliestProfileWithRole(ctx context.Context, role string) (string, error) {
	var p Profile
	err := s.db.WithContext(ctx).Where("role = ?", role).Order("created_at ASC").First(&p).Error
	return idOrNotFound(p.ID, err)
}

func (s *Store) AnyProfile(ctx context.Context) (string, error) {
	var p Profile
	err := s.db.WithContext(ctx).Order("created_at ASC").First(&p).Error
	return idOrNotFound(p.ID, err)
}

func (s *Store) AnyAuthUser(ctx context.Context) (string, error) {
	var u AuthUser
	err := s.db.WithContext(ctx).Order("created_at ASC").First(&u).Error
	return idOrNotFound(u.ID, err)
}

func (s *Store) HealthCheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func idOrNotFound(id string, err error) (string, error) {
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return id, nil
}
