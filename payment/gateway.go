package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
)

// GatewayOptions contains the configuration for a Gateway
type GatewayOptions struct {
	StripeClient *client.API
	Logger       *zap.Logger
}

// Gateway is a stateless typed wrapper over the payment provider. Every
// call is a remote RPC; failures surface as *ProviderError.
type Gateway struct {
	GatewayOptions
	intents      intentAPI
	pollInterval time.Duration
	pollAttempts int
}

// NewGateway returns a Gateway over the payment provider
func NewGateway(option GatewayOptions) (*Gateway, error) {
	if option.StripeClient == nil {
		return nil, fmt.Errorf("nil StripeClient is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Gateway{
		GatewayOptions: option,
		intents:        &stripeIntents{api: option.StripeClient},
		pollInterval:   time.Second * 2,
		pollAttempts:   5,
	}, nil
}

// CustomerData describes a customer to find or create on the provider
type CustomerData struct {
	Email       string
	Name        string
	PhoneNumber string
}

// FindOrCreateCustomer looks the customer up by email before creating
// one, so calling it twice with identical input never produces duplicate
// provider customers. When found, the name/phone metadata is patched.
func (g *Gateway) FindOrCreateCustomer(ctx context.Context, data CustomerData) (*stripe.Customer, error) {
	listParams := &stripe.CustomerListParams{
		Email: stripe.String(data.Email),
	}
	listParams.Context = ctx
	listParams.Filters.AddFilter("limit", "", "1")

	iter := g.StripeClient.Customers.List(listParams)
	for iter.Next() {
		existing := iter.Customer()
		updateParams := &stripe.CustomerParams{
			Params: stripe.Params{
				Context: ctx,
			},
		}
		if len(data.Name) > 0 && data.Name != existing.Name {
			updateParams.Name = stripe.String(data.Name)
		}
		if len(data.PhoneNumber) > 0 && data.PhoneNumber != existing.Phone {
			updateParams.Phone = stripe.String(data.PhoneNumber)
		}
		if updateParams.Name != nil || updateParams.Phone != nil {
			updated, err := g.StripeClient.Customers.Update(existing.ID, updateParams)
			if err != nil {
				// stale metadata is not worth failing the lookup over
				g.Logger.Warn("Unable to patch existing customer",
					zap.String("CustomerID", existing.ID),
					zap.Error(err),
				)
				return existing, nil
			}
			return updated, nil
		}
		return existing, nil
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeError(err)
	}

	createParams := &stripe.CustomerParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Email: stripe.String(data.Email),
	}
	if len(data.Name) > 0 {
		createParams.Name = stripe.String(data.Name)
	}
	if len(data.PhoneNumber) > 0 {
		createParams.Phone = stripe.String(data.PhoneNumber)
	}
	created, err := g.StripeClient.Customers.New(createParams)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return created, nil
}

// GetCustomer retrieves a customer by id. A deleted customer surfaces as
// KindResourceMissing.
func (g *Gateway) GetCustomer(ctx context.Context, customerID string) (*stripe.Customer, error) {
	params := &stripe.CustomerParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	c, err := g.StripeClient.Customers.Get(customerID, params)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	if c.Deleted {
		return nil, &ProviderError{
			Kind:    KindResourceMissing,
			Code:    string(stripe.ErrorCodeResourceMissing),
			Message: "customer has been deleted",
		}
	}
	return c, nil
}

// CheckoutSessionData describes a checkout session to create
type CheckoutSessionData struct {
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
	CouponID   string
	TrialDays  int64
	Metadata   map[string]string
}

// CreateCheckoutSession creates a provider-hosted subscription checkout
// flow and returns its redirect URL
func (g *Gateway) CreateCheckoutSession(ctx context.Context, data CheckoutSessionData) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:   stripe.String(data.CustomerID),
		SuccessURL: stripe.String(data.SuccessURL),
		CancelURL:  stripe.String(data.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(data.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: data.Metadata,
		},
	}
	if data.TrialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(data.TrialDays)
	}
	if len(data.CouponID) > 0 {
		params.Discounts = []*stripe.CheckoutSessionDiscountParams{
			{
				Coupon: stripe.String(data.CouponID),
			},
		}
	}
	session, err := g.StripeClient.CheckoutSessions.New(params)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return session, nil
}

// ValidateCoupon verifies a coupon exists and is still redeemable
func (g *Gateway) ValidateCoupon(ctx context.Context, couponID string) (*stripe.Coupon, error) {
	params := &stripe.CouponParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	coupon, err := g.StripeClient.Coupons.Get(couponID, params)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	if !coupon.Valid {
		return nil, &ProviderError{
			Kind:    KindOther,
			Code:    "coupon_invalid",
			Message: "coupon is no longer valid",
		}
	}
	return coupon, nil
}

// GetSubscriptionDetails retrieves a subscription with its default
// payment method expanded
func (g *Gateway) GetSubscriptionDetails(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	params.AddExpand("default_payment_method")
	params.AddExpand("latest_invoice")
	sub, err := g.StripeClient.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return sub, nil
}

// ExtendTrial moves the trial end of a subscription to the given time
func (g *Gateway) ExtendTrial(ctx context.Context, subscriptionID string, trialEnd time.Time) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		TrialEnd:          stripe.Int64(trialEnd.Unix()),
		ProrationBehavior: stripe.String("none"),
	}
	sub, err := g.StripeClient.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return sub, nil
}

// UpdatePlan swaps the subscription onto a different price
func (g *Gateway) UpdatePlan(ctx context.Context, subscriptionID, newPriceID string) (*stripe.Subscription, error) {
	current, err := g.GetSubscriptionDetails(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return nil, &ProviderError{
			Kind:    KindOther,
			Code:    "subscription_empty",
			Message: "subscription has no items to update",
		}
	}
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		ProrationBehavior: stripe.String("create_prorations"),
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(newPriceID),
			},
		},
	}
	sub, err := g.StripeClient.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return sub, nil
}

// CancelSubscription marks the subscription to end at the period
// boundary on the provider side
func (g *Gateway) CancelSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	sub, err := g.StripeClient.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return sub, nil
}

// UndoCancellation clears a pending period-end cancellation
func (g *Gateway) UndoCancellation(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		CancelAtPeriodEnd: stripe.Bool(false),
	}
	sub, err := g.StripeClient.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return sub, nil
}

// CreatePortalSession creates a billing portal session for the customer
func (g *Gateway) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*stripe.BillingPortalSession, error) {
	params := &stripe.BillingPortalSessionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	session, err := g.StripeClient.BillingPortalSessions.New(params)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return session, nil
}

// ListCardPaymentMethods returns the customer's stored card payment methods
func (g *Gateway) ListCardPaymentMethods(ctx context.Context, customerID string) ([]*stripe.PaymentMethod, error) {
	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	params.Context = ctx

	methods := make([]*stripe.PaymentMethod, 0, 2)
	iter := g.StripeClient.PaymentMethods.List(params)
	for iter.Next() {
		methods = append(methods, iter.PaymentMethod())
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeError(err)
	}
	return methods, nil
}

// CreateImmediateSubscription starts a subscription that must charge
// successfully right away; the provider rejects it instead of leaving it
// incomplete when the payment cannot complete
func (g *Gateway) CreateImmediateSubscription(ctx context.Context, customerID, priceID, paymentMethodID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		DefaultPaymentMethod: stripe.String(paymentMethodID),
		PaymentBehavior:      stripe.String("error_if_incomplete"),
	}
	sub, err := g.StripeClient.Subscriptions.New(params)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return sub, nil
}

// PayLatestOpenInvoice attempts to settle the most recent open invoice of
// a subscription
func (g *Gateway) PayLatestOpenInvoice(ctx context.Context, customerID, subscriptionID string) error {
	params := &stripe.InvoiceListParams{
		Customer:     stripe.String(customerID),
		Subscription: stripe.String(subscriptionID),
		Status:       stripe.String(string(stripe.InvoiceStatusOpen)),
	}
	params.Context = ctx
	params.Filters.AddFilter("limit", "", "1")

	iter := g.StripeClient.Invoices.List(params)
	for iter.Next() {
		inv := iter.Invoice()
		payParams := &stripe.InvoicePayParams{
			Params: stripe.Params{
				Context: ctx,
			},
		}
		if _, err := g.StripeClient.Invoices.Pay(inv.ID, payParams); err != nil {
			return wrapStripeError(err)
		}
		return nil
	}
	if err := iter.Err(); err != nil {
		return wrapStripeError(err)
	}
	return nil
}
