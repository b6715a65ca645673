package payment

import (
	"fmt"

	"github.com/stripe/stripe-go/v72"
)

// ErrorKind classifies provider failures for caller-side branching
type ErrorKind string

// Defining different kinds of provider failures
const (
	KindResourceMissing ErrorKind = "ResourceMissing" // e.g. the stored customer no longer exists
	KindDeclined        ErrorKind = "Declined"
	KindNetwork         ErrorKind = "Network"
	KindOther           ErrorKind = "Other"
)

// ProviderError is a typed failure surfaced by every Gateway operation.
// It carries the raw provider error code/type so callers can distinguish
// "customer no longer exists" from "network error" from "card declined".
type ProviderError struct {
	Kind    ErrorKind
	Code    string
	Type    string
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("payment provider error (%s/%s): %s", e.Kind, e.Code, e.Message)
}

// IsResourceMissing reports whether err is a ProviderError for a resource
// that no longer exists on the provider side
func IsResourceMissing(err error) bool {
	pErr, ok := err.(*ProviderError)
	return ok && pErr.Kind == KindResourceMissing
}

// IsDeclined reports whether err is a ProviderError for a card decline
func IsDeclined(err error) bool {
	pErr, ok := err.(*ProviderError)
	return ok && pErr.Kind == KindDeclined
}

func wrapStripeError(err error) error {
	if err == nil {
		return nil
	}
	stripeErr, ok := err.(*stripe.Error)
	if !ok {
		return &ProviderError{
			Kind:    KindOther,
			Message: err.Error(),
		}
	}
	kind := KindOther
	switch {
	case stripeErr.Code == stripe.ErrorCodeResourceMissing:
		kind = KindResourceMissing
	case stripeErr.Code == stripe.ErrorCodeCardDeclined:
		kind = KindDeclined
	case stripeErr.Type == stripe.ErrorTypeAPI:
		kind = KindNetwork
	}
	return &ProviderError{
		Kind:    kind,
		Code:    string(stripeErr.Code),
		Type:    string(stripeErr.Type),
		Message: stripeErr.Msg,
	}
}
