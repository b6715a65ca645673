package payment

import (
	"context"
	"time"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
)

const holdReuseWindow = time.Minute * 5

// intentAPI is the slice of the provider surface that card validation
// needs. The production implementation delegates to the Stripe client.
type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
	ListRecent(ctx context.Context, customerID string, since time.Time) ([]*stripe.PaymentIntent, error)
}

type stripeIntents struct {
	api *client.API
}

func (s *stripeIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.api.PaymentIntents.New(params)
}

func (s *stripeIntents) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.api.PaymentIntents.Get(id, params)
}

func (s *stripeIntents) Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	return s.api.PaymentIntents.Cancel(id, params)
}

func (s *stripeIntents) ListRecent(ctx context.Context, customerID string, since time.Time) ([]*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentListParams{
		Customer: stripe.String(customerID),
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThan: since.Unix(),
		},
	}
	params.Context = ctx

	intents := make([]*stripe.PaymentIntent, 0, 4)
	iter := s.api.PaymentIntents.List(params)
	for iter.Next() {
		intents = append(intents, iter.PaymentIntent())
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeError(err)
	}
	return intents, nil
}

// holdIsReusable reports whether an existing authorization hold can stand
// in for a new one: same payment method, still in an active pre-capture
// state.
func holdIsReusable(pi *stripe.PaymentIntent, paymentMethodID string) bool {
	if pi.PaymentMethod == nil || pi.PaymentMethod.ID != paymentMethodID {
		return false
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresCapture,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusProcessing:
		return true
	}
	return false
}

// ValidateCardFunds verifies that the customer's card can cover the given
// amount without ever charging it. At most one authorization artifact is
// produced per logical validation attempt: a recent active hold for the
// same payment method is reused before a new manual-capture hold is
// created. The hold is polled to a terminal pre-capture state and then
// released; a captured hold is a hard failure.
func (g *Gateway) ValidateCardFunds(ctx context.Context, customerID, paymentMethodID string, amountInCents int64, currency string) error {
	hold, err := g.findReusableHold(ctx, customerID, paymentMethodID)
	if err != nil {
		return err
	}
	if hold == nil {
		params := &stripe.PaymentIntentParams{
			Params: stripe.Params{
				Context: ctx,
			},
			Amount:        stripe.Int64(amountInCents),
			Currency:      stripe.String(currency),
			Customer:      stripe.String(customerID),
			PaymentMethod: stripe.String(paymentMethodID),
			CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
			Confirm:       stripe.Bool(true),
			Description:   stripe.String("card validation hold"),
		}
		hold, err = g.intents.New(params)
		if err != nil {
			return wrapStripeError(err)
		}
	}

	final, err := g.pollHold(ctx, hold)
	if err != nil {
		return err
	}

	switch final.Status {
	case stripe.PaymentIntentStatusRequiresCapture:
		// funds were provably available; release the hold without charging
		cancelParams := &stripe.PaymentIntentCancelParams{
			Params: stripe.Params{
				Context: ctx,
			},
		}
		if _, err := g.intents.Cancel(final.ID, cancelParams); err != nil {
			return wrapStripeError(err)
		}
		return nil
	case stripe.PaymentIntentStatusCanceled:
		// a concurrent invocation already released it
		return nil
	case stripe.PaymentIntentStatusSucceeded:
		// validation must never actually charge
		return &ProviderError{
			Kind:    KindOther,
			Code:    "validation_hold_captured",
			Message: "authorization hold was unexpectedly captured",
		}
	default:
		return &ProviderError{
			Kind:    KindDeclined,
			Code:    "validation_failed",
			Message: "card could not be authorized for the requested amount",
		}
	}
}

func (g *Gateway) findReusableHold(ctx context.Context, customerID, paymentMethodID string) (*stripe.PaymentIntent, error) {
	recent, err := g.intents.ListRecent(ctx, customerID, time.Now().Add(-holdReuseWindow))
	if err != nil {
		return nil, err
	}
	var newest *stripe.PaymentIntent
	for _, pi := range recent {
		if !holdIsReusable(pi, paymentMethodID) {
			continue
		}
		if newest == nil || pi.Created > newest.Created {
			newest = pi
		}
	}
	return newest, nil
}

// pollHold refreshes the hold until it leaves its transient states, with
// a fixed small interval and a fixed retry budget
func (g *Gateway) pollHold(ctx context.Context, hold *stripe.PaymentIntent) (*stripe.PaymentIntent, error) {
	current := hold
	for attempt := 0; attempt < g.pollAttempts; attempt++ {
		switch current.Status {
		case stripe.PaymentIntentStatusProcessing,
			stripe.PaymentIntentStatusRequiresConfirmation,
			stripe.PaymentIntentStatusRequiresAction:
			// still settling, fall through to the refresh below
		default:
			return current, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.pollInterval):
		}

		params := &stripe.PaymentIntentParams{
			Params: stripe.Params{
				Context: ctx,
			},
		}
		refreshed, err := g.intents.Get(current.ID, params)
		if err != nil {
			return nil, wrapStripeError(err)
		}
		current = refreshed
	}

	switch current.Status {
	case stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresAction:
		return nil, &ProviderError{
			Kind:    KindOther,
			Code:    "validation_timeout",
			Message: "authorization hold did not settle in time",
		}
	}
	return current, nil
}
