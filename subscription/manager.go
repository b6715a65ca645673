package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Manager handles the database operations relating to Subscriptions
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for subscriptions
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&Subscription{}, &History{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize subscription.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Upsert creates or updates the subscription keyed by the external
// subscription id, so replayed and reordered webhook deliveries converge
// on the same row
func (m *Manager) Upsert(ctx context.Context, sub *Subscription) error {
	if len(sub.StripeSubscriptionID) == 0 {
		return fmt.Errorf("StripeSubscriptionID is required")
	}
	if len(sub.ID) == 0 {
		sub.ID = uuid.New().String()
	}
	result := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "stripe_subscription_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"restaurant_id",
			"profile_id",
			"plan_id",
			"status",
			"is_active",
			"current_period_start",
			"current_period_end",
			"trial_start",
			"trial_end",
			"canceled_at",
			"cancel_at",
			"payment_method_id",
			"updated_at",
		}),
	}).Create(sub)
	if result.Error != nil {
		m.logger.Error("Unable to upsert subscription in database",
			zap.String("StripeSubscriptionID", sub.StripeSubscriptionID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot upsert subscription")
	}
	return nil
}

// GetByStripeID will try to return the subscription by external id
func (m *Manager) GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*Subscription, error) {
	var sub Subscription
	result := m.db.WithContext(ctx).First(&sub, "stripe_subscription_id = ?", stripeSubscriptionID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by external id")
	}
	return &sub, nil
}

// GetActiveByUser returns the user's active or trialing subscription, or nil
func (m *Manager) GetActiveByUser(ctx context.Context, profileID string) (*Subscription, error) {
	var sub Subscription
	result := m.db.WithContext(ctx).
		Where("profile_id = ?", profileID).
		Where("is_active = ?", true).
		Order("updated_at desc").
		First(&sub)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get active subscription by user")
	}
	return &sub, nil
}

// MarkCanceled sets the subscription canceled with the provider-sourced
// timestamps. The handlers are idempotent state-setters, not transitions
// validated against a prior state, so out-of-order deliveries converge.
func (m *Manager) MarkCanceled(ctx context.Context, stripeSubscriptionID string, canceledAt, cancelAt *time.Time) error {
	result := m.db.WithContext(ctx).Model(&Subscription{}).
		Where("stripe_subscription_id = ?", stripeSubscriptionID).
		Updates(map[string]interface{}{
			"status":      StatusCanceled,
			"is_active":   false,
			"canceled_at": canceledAt,
			"cancel_at":   cancelAt,
		})
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot mark subscription canceled")
	}
	return nil
}

// AppendHistory records an audit-trail row, best-effort
func (m *Manager) AppendHistory(ctx context.Context, stripeSubscriptionID, event string, status Status) {
	row := &History{
		ID:                   uuid.New().String(),
		StripeSubscriptionID: stripeSubscriptionID,
		Event:                event,
		Status:               status,
	}
	result := m.db.WithContext(ctx).Create(row)
	if result.Error != nil {
		m.logger.Error("Unable to append subscription history",
			zap.String("StripeSubscriptionID", stripeSubscriptionID),
			zap.Error(result.Error),
		)
	}
}
