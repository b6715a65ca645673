package account

import "time"

// User describes a dashboard user. A user optionally owns one restaurant
// and optionally maps to a payment-provider customer.
type User struct {
	ID               string    `json:"id" gorm:"primaryKey"`
	Email            string    `json:"email" gorm:"uniqueIndex"`
	Name             string    `json:"name"`
	PhoneNumber      string    `json:"phoneNumber"`
	StripeCustomerID string    `json:"stripeCustomerId" gorm:"index"`
	RestaurantID     string    `json:"restaurantId" gorm:"index"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Restaurant is the venue a subscription ultimately belongs to
type Restaurant struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	Name        string    `json:"name" gorm:"index"`
	OwnerUserID string    `json:"ownerUserId" gorm:"index"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
