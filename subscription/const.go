package subscription

import "github.com/stripe/stripe-go/v72"

// Status mirrors the provider's subscription status, normalized for the
// internal store
type Status string

// Defining different subscription statuses
const (
	StatusActive            Status = "active"
	StatusTrialing          Status = "trialing"
	StatusCanceled          Status = "canceled"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusFailed            Status = "failed"
)

// NormalizeStatus derives the stored status and the is_active flag from
// the provider payload. A subscription is active iff its provider status
// is active or trialing and collection is not paused; anything else is
// stored as the terminal failed marker.
func NormalizeStatus(providerStatus stripe.SubscriptionStatus, paused bool) (Status, bool) {
	switch providerStatus {
	case stripe.SubscriptionStatusActive:
		if paused {
			return StatusFailed, false
		}
		return StatusActive, true
	case stripe.SubscriptionStatusTrialing:
		if paused {
			return StatusFailed, false
		}
		return StatusTrialing, true
	default:
		return StatusFailed, false
	}
}
