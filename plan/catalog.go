package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CatalogOptions contains the configuration for a Catalog
type CatalogOptions struct {
	DB             *gorm.DB
	Logger         *zap.Logger
	PathToPlanJSON string // optional seed file
}

// Catalog is a read-only lookup of subscription plans
type Catalog struct {
	CatalogOptions
}

// NewCatalog returns a plan Catalog backed by the database. When
// PathToPlanJSON is set, plans defined in the file are upserted on start.
func NewCatalog(option CatalogOptions) (*Catalog, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Plan{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize plan.Catalog")
	}
	c := &Catalog{
		CatalogOptions: option,
	}
	if len(option.PathToPlanJSON) > 0 {
		if err := c.seedFromFile(option.PathToPlanJSON); err != nil {
			return nil, extErrors.Wrap(err, "Cannot populate defined Plans")
		}
	}
	return c, nil
}

// planUpdateColumns are the columns rewritten when a seeded plan id
// already exists
var planUpdateColumns = []string{
	"name",
	"stripe_price_id",
	"amount_in_cents",
	"currency",
	"interval",
	"trial_days",
	"retired",
}

func (c *Catalog) seedFromFile(filename string) error {
	jsonBytes, err := ioutil.ReadFile(filename)
	if err != nil {
		return extErrors.Wrap(err, "Cannot open plans JSON file")
	}
	plans := make([]Plan, 0, 4)
	if err := json.Unmarshal(jsonBytes, &plans); err != nil {
		return extErrors.Wrap(err, "Invalid plan JSON file")
	}
	for _, p := range plans {
		result := c.DB.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(planUpdateColumns),
		}).Create(&p)
		if result.Error != nil {
			return extErrors.Wrap(result.Error, "Cannot upsert defined Plan")
		}
	}
	return nil
}

// ByAmount returns the active plan matching the given monthly amount in
// minor currency units, or nil when no plan matches
func (c *Catalog) ByAmount(ctx context.Context, amountInCents int64) (*Plan, error) {
	var p Plan
	result := c.DB.WithContext(ctx).
		Where("amount_in_cents = ?", amountInCents).
		Where("retired = ?", false).
		First(&p)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		c.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot look up plan by amount")
	}
	return &p, nil
}

// ByStripePriceID returns the plan matching the provider price id, or nil
func (c *Catalog) ByStripePriceID(ctx context.Context, priceID string) (*Plan, error) {
	var p Plan
	result := c.DB.WithContext(ctx).
		Where("stripe_price_id = ?", priceID).
		First(&p)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		c.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot look up plan by price id")
	}
	return &p, nil
}

// ByID returns the plan with the given id, or nil
func (c *Catalog) ByID(ctx context.Context, id string) (*Plan, error) {
	var p Plan
	result := c.DB.WithContext(ctx).First(&p, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot look up plan by id")
	}
	return &p, nil
}
