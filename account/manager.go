package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Manager handles the database operations relating to Users and Restaurants
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for users and restaurants
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&User{}, &Restaurant{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize account.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// NewUser persists a new user profile
func (m *Manager) NewUser(ctx context.Context, email, name, phoneNumber string) (*User, error) {
	user := &User{
		ID:          uuid.New().String(),
		Email:       strings.ToLower(strings.TrimSpace(email)),
		Name:        name,
		PhoneNumber: phoneNumber,
	}
	result := m.db.WithContext(ctx).Create(user)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot create a new User")
	}
	return user, nil
}

// GetUserByID will try to return the user by id
func (m *Manager) GetUserByID(ctx context.Context, id string) (*User, error) {
	var user User
	result := m.db.WithContext(ctx).First(&user, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get user by id")
	}
	return &user, nil
}

// GetUserByEmail will try to return the user by email address
func (m *Manager) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	result := m.db.WithContext(ctx).First(&user, "email = ?", strings.ToLower(strings.TrimSpace(email)))

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get user by email")
	}
	return &user, nil
}

// GetUserByStripeCustomerID will try to return the user holding the given
// provider customer id
func (m *Manager) GetUserByStripeCustomerID(ctx context.Context, customerID string) (*User, error) {
	var user User
	result := m.db.WithContext(ctx).First(&user, "stripe_customer_id = ?", customerID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get user by customer id")
	}
	return &user, nil
}

// SetStripeCustomerID updates the stored provider customer id of a user
func (m *Manager) SetStripeCustomerID(ctx context.Context, userID, customerID string) error {
	result := m.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Update("stripe_customer_id", customerID)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot update user customer id")
	}
	return nil
}

// GetRestaurant returns the restaurant by id, or nil
func (m *Manager) GetRestaurant(ctx context.Context, id string) (*Restaurant, error) {
	var restaurant Restaurant
	result := m.db.WithContext(ctx).First(&restaurant, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get restaurant by id")
	}
	return &restaurant, nil
}

// EnsureRestaurant guarantees the user has a linked restaurant before a
// subscription can be finalized. Preference order: a restaurant already
// owned by this user, then an existing restaurant matching by name, else
// a newly created one. The user row is updated with the linkage.
func (m *Manager) EnsureRestaurant(ctx context.Context, user *User, name string) (*Restaurant, error) {
	if len(user.RestaurantID) > 0 {
		existing, err := m.GetRestaurant(ctx, user.RestaurantID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	var owned Restaurant
	result := m.db.WithContext(ctx).First(&owned, "owner_user_id = ?", user.ID)
	if result.Error == nil {
		return m.linkRestaurant(ctx, user, &owned)
	}
	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, extErrors.Wrap(result.Error, "Cannot look up owned restaurant")
	}

	if len(name) > 0 {
		var byName Restaurant
		result = m.db.WithContext(ctx).First(&byName, "name = ?", name)
		if result.Error == nil {
			return m.linkRestaurant(ctx, user, &byName)
		}
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, extErrors.Wrap(result.Error, "Cannot look up restaurant by name")
		}
	}

	created := &Restaurant{
		ID:          uuid.New().String(),
		Name:        name,
		OwnerUserID: user.ID,
	}
	result = m.db.WithContext(ctx).Create(created)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot create restaurant")
	}
	return m.linkRestaurant(ctx, user, created)
}

func (m *Manager) linkRestaurant(ctx context.Context, user *User, restaurant *Restaurant) (*Restaurant, error) {
	if user.RestaurantID == restaurant.ID {
		return restaurant, nil
	}
	result := m.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", user.ID).
		Update("restaurant_id", restaurant.ID)
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot link restaurant to user")
	}
	user.RestaurantID = restaurant.ID
	return restaurant, nil
}

// ListUsersByRestaurant returns the restaurant's users ordered by recency
func (m *Manager) ListUsersByRestaurant(ctx context.Context, restaurantID string) ([]User, error) {
	users := make([]User, 0, 2)
	result := m.db.WithContext(ctx).
		Order("updated_at desc").
		Where("restaurant_id = ?", restaurantID).
		Find(&users)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list users by restaurant")
	}
	return users, nil
}
