package checkoutlink

import (
	"context"
	"errors"
	"time"

	extErrors "github.com/pkg/errors"
	"gorm.io/gorm"
)

type gormLinkStore struct {
	db *gorm.DB
}

var _ linkStore = &gormLinkStore{}

func (s *gormLinkStore) insert(ctx context.Context, link *CheckoutLink) error {
	result := s.db.WithContext(ctx).Create(link)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot create checkout link")
	}
	return nil
}

func (s *gormLinkStore) get(ctx context.Context, id string) (*CheckoutLink, error) {
	var link CheckoutLink
	result := s.db.WithContext(ctx).First(&link, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get checkout link")
	}
	return &link, nil
}

func (s *gormLinkStore) findActive(ctx context.Context, userID, planID string) (*CheckoutLink, error) {
	var link CheckoutLink
	result := s.db.WithContext(ctx).
		Order("created_at desc").
		Where("user_id = ?", userID).
		Where("plan_id = ?", planID).
		Where("status = ?", StatusActive).
		First(&link)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot find active checkout link")
	}
	return &link, nil
}

func (s *gormLinkStore) rewrite(ctx context.Context, id, checkoutURL string, expiresAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&CheckoutLink{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"checkout_url": checkoutURL,
			"expires_at":   expiresAt,
			"status":       StatusActive,
		})
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot rewrite expired checkout link")
	}
	return nil
}

func (s *gormLinkStore) setStatus(ctx context.Context, id string, status Status) error {
	result := s.db.WithContext(ctx).Model(&CheckoutLink{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot update checkout link status")
	}
	return nil
}
