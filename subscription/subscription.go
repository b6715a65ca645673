package subscription

import "time"

// Subscription is the internal mirror of a provider subscription object.
// It is a read-optimized copy; the provider remains the source of truth
// for trial/plan state.
type Subscription struct {
	ID                   string     `json:"id" gorm:"primaryKey"`
	StripeSubscriptionID string     `json:"stripeSubscriptionId" gorm:"uniqueIndex"`
	RestaurantID         string     `json:"restaurantId" gorm:"index"`
	ProfileID            string     `json:"profileId" gorm:"index"` // owning user
	PlanID               string     `json:"planId"`
	Status               Status     `json:"status"`
	IsActive             bool       `json:"isActive"`
	CurrentPeriodStart   time.Time  `json:"currentPeriodStart"`
	CurrentPeriodEnd     time.Time  `json:"currentPeriodEnd"`
	TrialStart           *time.Time `json:"trialStart"`
	TrialEnd             *time.Time `json:"trialEnd"`
	CanceledAt           *time.Time `json:"canceledAt"`
	CancelAt             *time.Time `json:"cancelAt"`
	PaymentMethodID      string     `json:"paymentMethodId"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// History is an append-only audit trail of subscription state changes
type History struct {
	ID                   string    `json:"id" gorm:"primaryKey"`
	StripeSubscriptionID string    `json:"stripeSubscriptionId" gorm:"index"`
	Event                string    `json:"event"`
	Status               Status    `json:"status"`
	CreatedAt            time.Time `json:"createdAt"`
}
