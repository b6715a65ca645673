package external

import (
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
)

// NewStripeClient returns a Stripe API client scoped to the given secret key
func NewStripeClient(key string) *client.API {
	stripe.SetAppInfo(&stripe.AppInfo{
		Name: "menulab-billing",
	})
	sc := &client.API{}
	sc.Init(key, nil)
	return sc
}
