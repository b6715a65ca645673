package checkoutlink

import "time"

// Status is the lifecycle state of an internally-issued checkout link
type Status string

// Defining different link states
const (
	StatusActive  Status = "active"
	StatusUsed    Status = "used"
	StatusExpired Status = "expired"
)

// DefaultValidity is how long a freshly issued link stays usable
const DefaultValidity = time.Hour * 24

// CheckoutLink is an indirection record wrapping a provider checkout
// session URL. The CRM and the browser only ever see the internal link;
// the raw provider URL stays server-side and can be regenerated without
// reissuing the link.
type CheckoutLink struct {
	ID                 string    `json:"id" gorm:"primaryKey"`
	UserID             string    `json:"userId" gorm:"index"`
	RestaurantID       string    `json:"restaurantId" gorm:"index"`
	PlanID             string    `json:"planId" gorm:"index"`
	ProviderCustomerID string    `json:"providerCustomerId"`
	CheckoutURL        string    `json:"checkoutUrl"` // the provider session URL captured at creation/regeneration
	ExpiresAt          time.Time `json:"expiresAt"`
	Status             Status    `json:"status"`
	TrialDays          int64     `json:"trialDays"`
	TrialEnabled       bool      `json:"trialEnabled"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// TimeExpired reports whether the link has aged out at the given instant
func (l *CheckoutLink) TimeExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Resolution is the outcome of resolving a link for redirect
type Resolution struct {
	Link           *CheckoutLink `json:"link"`
	IsValid        bool          `json:"isValid"`
	IsExpired      bool          `json:"isExpired"`
	NewCheckoutURL string        `json:"newCheckoutUrl,omitempty"` // set when an expired link was regenerated in place
}

// RedirectURL returns the URL the browser should be sent to
func (r *Resolution) RedirectURL() string {
	if len(r.NewCheckoutURL) > 0 {
		return r.NewCheckoutURL
	}
	if r.Link != nil {
		return r.Link.CheckoutURL
	}
	return ""
}
