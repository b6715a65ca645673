package plan

// Plan describes a purchasable subscription tier. It corresponds to a
// Stripe Price on the provider side.
type Plan struct {
	ID            string `json:"id" gorm:"primaryKey"`
	Name          string `json:"name"`
	StripePriceID string `json:"stripePriceId" gorm:"uniqueIndex"`
	AmountInCents int64  `json:"amountInCents" gorm:"index"` // Monthly amount in minor currency units
	Currency      string `json:"currency"`                   // ISO currency code (e.g. usd)
	Interval      string `json:"interval"`                   // Billing frequency (e.g. month)
	TrialDays     int64  `json:"trialDays"`                  // Default trial length when trials are enabled
	Retired       bool   `json:"retired"`                    // Flag if the Plan is no longer offered
}
