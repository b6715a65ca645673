package checkoutlink

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Regenerator produces a fresh provider checkout session for a link using
// the customer/plan/restaurant snapshot captured on the link itself
type Regenerator interface {
	RegenerateCheckoutSession(ctx context.Context, link *CheckoutLink) (string, error)
}

// linkStore is the persistence seam of the Registry. The lifecycle
// decisions stay in the Registry; the store only moves rows.
type linkStore interface {
	insert(ctx context.Context, link *CheckoutLink) error
	get(ctx context.Context, id string) (*CheckoutLink, error)
	findActive(ctx context.Context, userID, planID string) (*CheckoutLink, error)
	rewrite(ctx context.Context, id, checkoutURL string, expiresAt time.Time) error
	setStatus(ctx context.Context, id string, status Status) error
}

// RegistryOptions contains the configuration for a Registry
type RegistryOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Registry owns creation, expiry and status lifecycle of checkout links
type Registry struct {
	RegistryOptions
	store       linkStore
	regenerator Regenerator
	now         func() time.Time
}

// NewRegistry returns a Registry for checkout links
func NewRegistry(option RegistryOptions) (*Registry, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&CheckoutLink{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize checkoutlink.Registry")
	}
	return &Registry{
		RegistryOptions: option,
		store:           &gormLinkStore{db: option.DB},
		now:             time.Now,
	}, nil
}

// SetRegenerator wires the session regenerator. The regenerator lives in
// the reconciliation layer which itself needs the Registry, so it is
// attached after construction.
func (r *Registry) SetRegenerator(regen Regenerator) {
	r.regenerator = regen
}

// CreateOptions describes a link to issue
type CreateOptions struct {
	UserID             string
	RestaurantID       string
	PlanID             string
	ProviderCustomerID string
	CheckoutURL        string
	TrialDays          int64
	TrialEnabled       bool
}

// Create persists a new active link valid for DefaultValidity
func (r *Registry) Create(ctx context.Context, opt CreateOptions) (*CheckoutLink, error) {
	link := &CheckoutLink{
		ID:                 uuid.New().String(),
		UserID:             opt.UserID,
		RestaurantID:       opt.RestaurantID,
		PlanID:             opt.PlanID,
		ProviderCustomerID: opt.ProviderCustomerID,
		CheckoutURL:        opt.CheckoutURL,
		ExpiresAt:          r.now().Add(DefaultValidity),
		Status:             StatusActive,
		TrialDays:          opt.TrialDays,
		TrialEnabled:       opt.TrialEnabled,
	}
	if err := r.store.insert(ctx, link); err != nil {
		r.Logger.Error("Unable to create checkout link in database",
			zap.Error(err),
		)
		return nil, err
	}
	return link, nil
}

// Get returns the link by id, or nil
func (r *Registry) Get(ctx context.Context, id string) (*CheckoutLink, error) {
	return r.store.get(ctx, id)
}

// Resolve evaluates a link for redirect. A used link is never valid
// again. An expired link (by time or explicit provider signal) is lazily
// regenerated: a fresh provider session is created from the link's
// snapshot and the same row is rewritten in place, so repeated visits to
// a stale link never grow the table.
func (r *Registry) Resolve(ctx context.Context, id string) (*Resolution, error) {
	link, err := r.store.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, nil
	}

	if link.Status == StatusUsed {
		return &Resolution{
			Link:    link,
			IsValid: false,
		}, nil
	}

	expired := link.TimeExpired(r.now()) || link.Status == StatusExpired
	if !expired {
		return &Resolution{
			Link:    link,
			IsValid: true,
		}, nil
	}

	if r.regenerator == nil {
		return nil, fmt.Errorf("no session regenerator attached")
	}
	freshURL, err := r.regenerator.RegenerateCheckoutSession(ctx, link)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot regenerate checkout session")
	}

	newExpiry := r.now().Add(DefaultValidity)
	if err := r.store.rewrite(ctx, link.ID, freshURL, newExpiry); err != nil {
		return nil, err
	}
	link.CheckoutURL = freshURL
	link.ExpiresAt = newExpiry
	link.Status = StatusActive

	return &Resolution{
		Link:           link,
		IsValid:        true,
		IsExpired:      true,
		NewCheckoutURL: freshURL,
	}, nil
}

// FindActive returns the most recent active link for a user+plan, or nil
func (r *Registry) FindActive(ctx context.Context, userID, planID string) (*CheckoutLink, error) {
	return r.store.findActive(ctx, userID, planID)
}

// MarkUsed transitions the link to used, best-effort
func (r *Registry) MarkUsed(ctx context.Context, id string) {
	r.transition(ctx, id, StatusUsed)
}

// MarkExpired transitions the link to expired, best-effort
func (r *Registry) MarkExpired(ctx context.Context, id string) {
	r.transition(ctx, id, StatusExpired)
}

func (r *Registry) transition(ctx context.Context, id string, status Status) {
	if err := r.store.setStatus(ctx, id, status); err != nil {
		// link bookkeeping never fails the surrounding operation
		r.Logger.Error("Unable to transition checkout link status",
			zap.String("LinkID", id),
			zap.String("Status", string(status)),
			zap.Error(err),
		)
	}
}
