package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/menulab/billing/account"
	"github.com/menulab/billing/broker"
	"github.com/menulab/billing/checkoutlink"
	"github.com/menulab/billing/payment"
	"github.com/menulab/billing/plan"

	"github.com/go-playground/validator/v10"
	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// UserStore is the repository surface the reconciler needs for users and
// restaurants. account.Manager implements it.
type UserStore interface {
	GetUserByID(ctx context.Context, id string) (*account.User, error)
	GetUserByEmail(ctx context.Context, email string) (*account.User, error)
	GetUserByStripeCustomerID(ctx context.Context, customerID string) (*account.User, error)
	NewUser(ctx context.Context, email, name, phoneNumber string) (*account.User, error)
	SetStripeCustomerID(ctx context.Context, userID, customerID string) error
	EnsureRestaurant(ctx context.Context, user *account.User, name string) (*account.Restaurant, error)
	ListUsersByRestaurant(ctx context.Context, restaurantID string) ([]account.User, error)
}

// Store is the repository surface for internal subscription rows.
// Manager implements it.
type Store interface {
	Upsert(ctx context.Context, sub *Subscription) error
	GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*Subscription, error)
	GetActiveByUser(ctx context.Context, profileID string) (*Subscription, error)
	MarkCanceled(ctx context.Context, stripeSubscriptionID string, canceledAt, cancelAt *time.Time) error
	AppendHistory(ctx context.Context, stripeSubscriptionID, event string, status Status)
}

// LinkRegistry is the checkout link surface. checkoutlink.Registry
// implements it.
type LinkRegistry interface {
	Create(ctx context.Context, opt checkoutlink.CreateOptions) (*checkoutlink.CheckoutLink, error)
	FindActive(ctx context.Context, userID, planID string) (*checkoutlink.CheckoutLink, error)
	MarkUsed(ctx context.Context, id string)
	MarkExpired(ctx context.Context, id string)
}

// ProviderGateway is the payment provider surface. payment.Gateway
// implements it.
type ProviderGateway interface {
	FindOrCreateCustomer(ctx context.Context, data payment.CustomerData) (*stripe.Customer, error)
	GetCustomer(ctx context.Context, customerID string) (*stripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, data payment.CheckoutSessionData) (*stripe.CheckoutSession, error)
	ValidateCoupon(ctx context.Context, couponID string) (*stripe.Coupon, error)
	ExtendTrial(ctx context.Context, subscriptionID string, trialEnd time.Time) (*stripe.Subscription, error)
	UpdatePlan(ctx context.Context, subscriptionID, newPriceID string) (*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
	UndoCancellation(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
	GetSubscriptionDetails(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
	ListCardPaymentMethods(ctx context.Context, customerID string) ([]*stripe.PaymentMethod, error)
	CreateImmediateSubscription(ctx context.Context, customerID, priceID, paymentMethodID string) (*stripe.Subscription, error)
}

// PlanSource is the plan lookup surface. plan.Catalog implements it.
type PlanSource interface {
	ByID(ctx context.Context, id string) (*plan.Plan, error)
	ByStripePriceID(ctx context.Context, priceID string) (*plan.Plan, error)
	ByAmount(ctx context.Context, amountInCents int64) (*plan.Plan, error)
}

// ReconcilerOptions contains the configuration for a Reconciler
type ReconcilerOptions struct {
	Users         UserStore
	Subscriptions Store
	Links         LinkRegistry
	Gateway       ProviderGateway
	Plans         PlanSource
	Producer      broker.Producer // optional; lifecycle event fanout
	Logger        *zap.Logger
	BaseURL       string // public base URL of this service, serving the internal redirect links
	SiteURL       string // frontend origin the browser lands on after checkout
}

// Reconciler coordinates the provider, the CRM-facing checkout links and
// the internal store. Every public operation is idempotent under
// at-least-once delivery.
type Reconciler struct {
	ReconcilerOptions
}

// NewReconciler returns the billing reconciliation core
func NewReconciler(option ReconcilerOptions) (*Reconciler, error) {
	if option.Users == nil {
		return nil, fmt.Errorf("nil Users is invalid")
	}
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Links == nil {
		return nil, fmt.Errorf("nil Links is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Plans == nil {
		return nil, fmt.Errorf("nil Plans is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.BaseURL) == 0 {
		return nil, fmt.Errorf("empty BaseURL is invalid")
	}
	if len(option.SiteURL) == 0 {
		return nil, fmt.Errorf("empty SiteURL is invalid")
	}
	return &Reconciler{
		ReconcilerOptions: option,
	}, nil
}

var _ checkoutlink.Regenerator = &Reconciler{}

// SetupRequest describes a subscription checkout to prepare
type SetupRequest struct {
	Email           string `validate:"required,email"`
	Name            string `validate:"required"`
	PhoneNumber     string
	RestaurantName  string
	PlanID          string `validate:"required"`
	CouponCode      string
	TrialDays       int64
	TrialEnabled    bool
	BaseURL         string // optional override of the configured base URL
	SalesRepSlackID string
}

// SetupSubscription prepares everything a checkout needs: the owning
// user, a valid provider customer, the linked restaurant, and a provider
// checkout session wrapped in an internal link. The returned URL is the
// internal redirect, never the raw provider URL.
func (r *Reconciler) SetupSubscription(ctx context.Context, req SetupRequest) (string, error) {
	if err := validate.Struct(&req); err != nil {
		return "", &ValidationError{Reason: err.Error()}
	}
	p, err := r.Plans.ByID(ctx, req.PlanID)
	if err != nil {
		return "", err
	}
	if p == nil {
		return "", &ValidationError{Reason: fmt.Sprintf("unknown plan %q", req.PlanID)}
	}

	if len(req.CouponCode) > 0 {
		if _, err := r.Gateway.ValidateCoupon(ctx, req.CouponCode); err != nil {
			return "", extErrors.Wrap(err, "Coupon validation failed")
		}
	}

	user, err := r.Users.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return "", err
	}
	if user == nil {
		user, err = r.Users.NewUser(ctx, req.Email, req.Name, req.PhoneNumber)
		if err != nil {
			return "", err
		}
	}

	customerID, err := r.ensureCustomer(ctx, user, req.Name, req.PhoneNumber)
	if err != nil {
		return "", err
	}

	// restaurant linkage must complete before a link can be issued
	restaurant, err := r.Users.EnsureRestaurant(ctx, user, req.RestaurantName)
	if err != nil {
		return "", err
	}

	baseURL := req.BaseURL
	if len(baseURL) == 0 {
		baseURL = r.BaseURL
	}
	trialDays := int64(0)
	if req.TrialEnabled {
		trialDays = req.TrialDays
		if trialDays == 0 {
			trialDays = p.TrialDays
		}
	}

	// success/cancel land on the frontend; every path under this
	// service's /subscription prefix belongs to the link resolver
	sessionData := payment.CheckoutSessionData{
		CustomerID: customerID,
		PriceID:    p.StripePriceID,
		SuccessURL: r.SiteURL + "/billing/success",
		CancelURL:  r.SiteURL + "/billing/cancel",
		CouponID:   req.CouponCode,
		TrialDays:  trialDays,
		Metadata: map[string]string{
			"profile_id":      user.ID,
			"restaurant_id":   restaurant.ID,
			"restaurant_name": restaurant.Name,
			"plan_id":         p.ID,
			"email":           user.Email,
		},
	}
	session, err := r.Gateway.CreateCheckoutSession(ctx, sessionData)
	if payment.IsResourceMissing(err) {
		// the stored customer vanished on the provider side between the
		// existence check and the session creation; recreate once
		customerID, err = r.recreateCustomer(ctx, user, req.Name, req.PhoneNumber)
		if err != nil {
			return "", err
		}
		sessionData.CustomerID = customerID
		session, err = r.Gateway.CreateCheckoutSession(ctx, sessionData)
	}
	if err != nil {
		return "", extErrors.Wrap(err, "Cannot create checkout session")
	}

	link, err := r.Links.Create(ctx, checkoutlink.CreateOptions{
		UserID:             user.ID,
		RestaurantID:       restaurant.ID,
		PlanID:             p.ID,
		ProviderCustomerID: customerID,
		CheckoutURL:        session.URL,
		TrialDays:          trialDays,
		TrialEnabled:       req.TrialEnabled,
	})
	if err != nil {
		return "", err
	}

	r.publish(&broker.Event{
		Type:            broker.EventCheckoutLinkIssued,
		RestaurantID:    restaurant.ID,
		RestaurantName:  restaurant.Name,
		ProfileID:       user.ID,
		PlanID:          p.ID,
		SalesRepSlackID: req.SalesRepSlackID,
	})

	return baseURL + "/subscription/" + link.ID, nil
}

// ensureCustomer validates the stored provider customer by a live
// existence check, recreating it when invalid or missing
func (r *Reconciler) ensureCustomer(ctx context.Context, user *account.User, name, phoneNumber string) (string, error) {
	if len(user.StripeCustomerID) > 0 {
		_, err := r.Gateway.GetCustomer(ctx, user.StripeCustomerID)
		if err == nil {
			return user.StripeCustomerID, nil
		}
		if !payment.IsResourceMissing(err) {
			return "", err
		}
	}
	return r.recreateCustomer(ctx, user, name, phoneNumber)
}

func (r *Reconciler) recreateCustomer(ctx context.Context, user *account.User, name, phoneNumber string) (string, error) {
	customer, err := r.Gateway.FindOrCreateCustomer(ctx, payment.CustomerData{
		Email:       user.Email,
		Name:        name,
		PhoneNumber: phoneNumber,
	})
	if err != nil {
		return "", err
	}
	if err := r.Users.SetStripeCustomerID(ctx, user.ID, customer.ID); err != nil {
		return "", err
	}
	user.StripeCustomerID = customer.ID
	return customer.ID, nil
}

// RegenerateCheckoutSession produces a fresh provider session from a
// stale link's snapshot. Implements checkoutlink.Regenerator.
func (r *Reconciler) RegenerateCheckoutSession(ctx context.Context, link *checkoutlink.CheckoutLink) (string, error) {
	p, err := r.Plans.ByID(ctx, link.PlanID)
	if err != nil {
		return "", err
	}
	if p == nil {
		return "", &NotFoundError{Resource: "plan"}
	}
	trialDays := int64(0)
	if link.TrialEnabled {
		trialDays = link.TrialDays
	}
	sessionData := payment.CheckoutSessionData{
		CustomerID: link.ProviderCustomerID,
		PriceID:    p.StripePriceID,
		SuccessURL: r.SiteURL + "/billing/success",
		CancelURL:  r.SiteURL + "/billing/cancel",
		TrialDays:  trialDays,
		Metadata: map[string]string{
			"profile_id":    link.UserID,
			"restaurant_id": link.RestaurantID,
			"plan_id":       p.ID,
		},
	}
	session, err := r.Gateway.CreateCheckoutSession(ctx, sessionData)
	if payment.IsResourceMissing(err) {
		user, userErr := r.Users.GetUserByID(ctx, link.UserID)
		if userErr != nil {
			return "", userErr
		}
		if user == nil {
			return "", &NotFoundError{Resource: "user"}
		}
		customerID, custErr := r.recreateCustomer(ctx, user, user.Name, user.PhoneNumber)
		if custErr != nil {
			return "", custErr
		}
		sessionData.CustomerID = customerID
		session, err = r.Gateway.CreateCheckoutSession(ctx, sessionData)
	}
	if err != nil {
		return "", extErrors.Wrap(err, "Cannot regenerate checkout session")
	}
	return session.URL, nil
}

// HandleSubscriptionEvent materializes/syncs the internal subscription
// row from a provider webhook payload. Safe under duplicate and
// out-of-order delivery.
func (r *Reconciler) HandleSubscriptionEvent(ctx context.Context, payload *stripe.Subscription) error {
	if payload == nil || len(payload.ID) == 0 || payload.Customer == nil {
		return &ValidationError{Reason: "subscription payload is missing identity fields"}
	}
	customerID := payload.Customer.ID

	user, err := r.resolveUser(ctx, customerID, payload.Metadata)
	if err != nil {
		return err
	}

	restaurant, err := r.Users.EnsureRestaurant(ctx, user, payload.Metadata["restaurant_name"])
	if err != nil {
		return err
	}

	planID := r.resolvePlanID(ctx, payload)
	internal := materialize(payload, user.ID, restaurant.ID, planID)
	if err := r.Subscriptions.Upsert(ctx, internal); err != nil {
		return err
	}
	r.Subscriptions.AppendHistory(ctx, payload.ID, "subscription.event", internal.Status)

	// link bookkeeping is a best-effort side channel
	r.transitionLink(ctx, user.ID, planID, payload.Status)

	if internal.IsActive {
		r.publish(&broker.Event{
			Type:                 broker.EventSubscriptionActivated,
			StripeSubscriptionID: payload.ID,
			RestaurantID:         restaurant.ID,
			RestaurantName:       restaurant.Name,
			ProfileID:            user.ID,
			PlanID:               planID,
		})
	}
	return nil
}

// resolveUser finds the owning user by provider customer id, falling
// back to email, creating the user from provider customer data when
// nothing matches
func (r *Reconciler) resolveUser(ctx context.Context, customerID string, metadata map[string]string) (*account.User, error) {
	user, err := r.Users.GetUserByStripeCustomerID(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	email := metadata["email"]
	name := metadata["name"]
	var phone string
	if len(email) == 0 {
		customer, err := r.Gateway.GetCustomer(ctx, customerID)
		if err != nil {
			return nil, err
		}
		email = customer.Email
		name = customer.Name
		phone = customer.Phone
	}
	if len(email) == 0 {
		return nil, &ValidationError{Reason: "cannot resolve user: no email on customer"}
	}

	user, err = r.Users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		user, err = r.Users.NewUser(ctx, email, name, phone)
		if err != nil {
			return nil, err
		}
	}
	if user.StripeCustomerID != customerID {
		if err := r.Users.SetStripeCustomerID(ctx, user.ID, customerID); err != nil {
			return nil, err
		}
		user.StripeCustomerID = customerID
	}
	return user, nil
}

func (r *Reconciler) resolvePlanID(ctx context.Context, payload *stripe.Subscription) string {
	priceID := subscriptionPriceID(payload)
	if len(priceID) == 0 {
		return ""
	}
	p, err := r.Plans.ByStripePriceID(ctx, priceID)
	if err != nil || p == nil {
		r.Logger.Warn("Cannot resolve plan from provider price",
			zap.String("PriceID", priceID),
			zap.Error(err),
		)
		return ""
	}
	return p.ID
}

func (r *Reconciler) transitionLink(ctx context.Context, userID, planID string, status stripe.SubscriptionStatus) {
	link, err := r.Links.FindActive(ctx, userID, planID)
	if err != nil {
		r.Logger.Error("Unable to look up pending checkout link",
			zap.String("ProfileID", userID),
			zap.Error(err),
		)
		return
	}
	if link == nil {
		return
	}
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		r.Links.MarkUsed(ctx, link.ID)
	case stripe.SubscriptionStatusIncompleteExpired:
		r.Links.MarkExpired(ctx, link.ID)
	}
}

// HandleCancellation marks the internal subscription canceled from a
// provider cancellation payload
func (r *Reconciler) HandleCancellation(ctx context.Context, payload *stripe.Subscription) error {
	if payload == nil || len(payload.ID) == 0 {
		return &ValidationError{Reason: "cancellation payload is missing identity fields"}
	}
	canceledAt := unixTimePtr(payload.CanceledAt)
	cancelAt := unixTimePtr(payload.CancelAt)

	if err := r.Subscriptions.MarkCanceled(ctx, payload.ID, canceledAt, cancelAt); err != nil {
		return err
	}
	r.Subscriptions.AppendHistory(ctx, payload.ID, "subscription.canceled", StatusCanceled)

	// acknowledge on the provider side only when not already initiated there
	if payload.Status != stripe.SubscriptionStatusCanceled && !payload.CancelAtPeriodEnd {
		if _, err := r.Gateway.CancelSubscription(ctx, payload.ID); err != nil {
			return extErrors.Wrap(err, "Cannot propagate cancellation to provider")
		}
	}

	r.publishCancellation(ctx, payload.ID)
	return nil
}

// HandleScheduledCancellation processes a subscription schedule update.
// Only a schedule that explicitly ends by canceling is a cancellation;
// any other end-behavior is a no-op.
func (r *Reconciler) HandleScheduledCancellation(ctx context.Context, schedule *stripe.SubscriptionSchedule) error {
	if schedule == nil || schedule.Subscription == nil || len(schedule.Subscription.ID) == 0 {
		return &ValidationError{Reason: "schedule payload is missing identity fields"}
	}
	if schedule.EndBehavior != stripe.SubscriptionScheduleEndBehaviorCancel {
		return nil
	}
	subscriptionID := schedule.Subscription.ID

	var cancelAt *time.Time
	if schedule.CurrentPhase != nil {
		cancelAt = unixTimePtr(schedule.CurrentPhase.EndDate)
	}
	if err := r.Subscriptions.MarkCanceled(ctx, subscriptionID, nil, cancelAt); err != nil {
		return err
	}
	r.Subscriptions.AppendHistory(ctx, subscriptionID, "subscription.schedule_canceled", StatusCanceled)

	details, err := r.Gateway.GetSubscriptionDetails(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if details.Status != stripe.SubscriptionStatusCanceled && !details.CancelAtPeriodEnd {
		if _, err := r.Gateway.CancelSubscription(ctx, subscriptionID); err != nil {
			return extErrors.Wrap(err, "Cannot propagate scheduled cancellation to provider")
		}
	}

	r.publishCancellation(ctx, subscriptionID)
	return nil
}

// ExtendTrial pushes the trial end out by the given number of days. The
// provider mutation happens first; internal state stays untouched when
// it fails.
func (r *Reconciler) ExtendTrial(ctx context.Context, stripeSubscriptionID string, days int64) error {
	if days <= 0 {
		return &ValidationError{Reason: "trial extension must be a positive number of days"}
	}
	details, err := r.Gateway.GetSubscriptionDetails(ctx, stripeSubscriptionID)
	if err != nil {
		return err
	}
	base := time.Now()
	if details.TrialEnd > base.Unix() {
		base = time.Unix(details.TrialEnd, 0)
	}
	updated, err := r.Gateway.ExtendTrial(ctx, stripeSubscriptionID, base.Add(time.Hour*24*time.Duration(days)))
	if err != nil {
		return err
	}

	r.applyProviderState(ctx, updated)
	r.Subscriptions.AppendHistory(ctx, stripeSubscriptionID, "subscription.trial_extended", Status(updated.Status))
	r.publish(&broker.Event{
		Type:                 broker.EventTrialExtended,
		StripeSubscriptionID: stripeSubscriptionID,
	})
	return nil
}

// UpdatePlan moves the subscription onto a different plan, provider first
func (r *Reconciler) UpdatePlan(ctx context.Context, stripeSubscriptionID, planID string) error {
	p, err := r.Plans.ByID(ctx, planID)
	if err != nil {
		return err
	}
	if p == nil {
		return &ValidationError{Reason: fmt.Sprintf("unknown plan %q", planID)}
	}
	updated, err := r.Gateway.UpdatePlan(ctx, stripeSubscriptionID, p.StripePriceID)
	if err != nil {
		return err
	}

	r.applyProviderState(ctx, updated)
	r.Subscriptions.AppendHistory(ctx, stripeSubscriptionID, "subscription.plan_changed", Status(updated.Status))
	r.publish(&broker.Event{
		Type:                 broker.EventPlanChanged,
		StripeSubscriptionID: stripeSubscriptionID,
		PlanID:               p.ID,
	})
	return nil
}

// UndoCancellation clears a pending cancellation, provider first
func (r *Reconciler) UndoCancellation(ctx context.Context, stripeSubscriptionID string) error {
	updated, err := r.Gateway.UndoCancellation(ctx, stripeSubscriptionID)
	if err != nil {
		return err
	}
	r.applyProviderState(ctx, updated)
	r.Subscriptions.AppendHistory(ctx, stripeSubscriptionID, "subscription.cancellation_undone", Status(updated.Status))
	return nil
}

// applyProviderState refreshes the internal mirror after a provider-side
// mutation. The internal store is read-optimized; failure to refresh is
// logged and left to the next webhook delivery to repair.
func (r *Reconciler) applyProviderState(ctx context.Context, payload *stripe.Subscription) {
	existing, err := r.Subscriptions.GetByStripeID(ctx, payload.ID)
	if err != nil {
		r.Logger.Error("Unable to load internal subscription for refresh",
			zap.String("StripeSubscriptionID", payload.ID),
			zap.Error(err),
		)
		return
	}
	var profileID, restaurantID string
	if existing != nil {
		profileID = existing.ProfileID
		restaurantID = existing.RestaurantID
	}
	planID := r.resolvePlanID(ctx, payload)
	if len(planID) == 0 && existing != nil {
		planID = existing.PlanID
	}
	internal := materialize(payload, profileID, restaurantID, planID)
	if err := r.Subscriptions.Upsert(ctx, internal); err != nil {
		r.Logger.Error("Unable to refresh internal subscription",
			zap.String("StripeSubscriptionID", payload.ID),
			zap.Error(err),
		)
	}
}

// DirectSubscriptionResult reports how an admin-initiated subscription
// was fulfilled
type DirectSubscriptionResult struct {
	Mode                 string `json:"mode"` // "direct" or "checkoutLink"
	StripeSubscriptionID string `json:"stripeSubscriptionId,omitempty"`
	CheckoutLinkURL      string `json:"checkoutLinkUrl,omitempty"`
}

type chargeCandidate struct {
	user            account.User
	paymentMethodID string
}

// CreateDirectSubscription starts a subscription without a checkout
// flow when a usable stored payment method exists. Degradation order:
// payment method of a user with an active/trialing subscription, then
// any stored payment method across the restaurant's users by recency,
// then the checkout-link flow.
func (r *Reconciler) CreateDirectSubscription(ctx context.Context, restaurantID, planID string) (*DirectSubscriptionResult, error) {
	p, err := r.Plans.ByID(ctx, planID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown plan %q", planID)}
	}
	users, err := r.Users.ListUsersByRestaurant(ctx, restaurantID)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, &NotFoundError{Resource: "restaurant users"}
	}

	candidates := make([]chargeCandidate, 0, len(users))
	seen := make(map[string]bool)
	for _, u := range users {
		if len(u.StripeCustomerID) == 0 {
			continue
		}
		sub, err := r.Subscriptions.GetActiveByUser(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		if sub != nil && len(sub.PaymentMethodID) > 0 {
			candidates = append(candidates, chargeCandidate{user: u, paymentMethodID: sub.PaymentMethodID})
			seen[u.ID+"/"+sub.PaymentMethodID] = true
		}
	}
	for _, u := range users {
		if len(u.StripeCustomerID) == 0 {
			continue
		}
		methods, err := r.Gateway.ListCardPaymentMethods(ctx, u.StripeCustomerID)
		if err != nil {
			r.Logger.Warn("Unable to list payment methods for candidate",
				zap.String("ProfileID", u.ID),
				zap.Error(err),
			)
			continue
		}
		for _, pm := range methods {
			if seen[u.ID+"/"+pm.ID] {
				continue
			}
			candidates = append(candidates, chargeCandidate{user: u, paymentMethodID: pm.ID})
			seen[u.ID+"/"+pm.ID] = true
			break
		}
	}

	for _, candidate := range candidates {
		created, err := r.Gateway.CreateImmediateSubscription(ctx, candidate.user.StripeCustomerID, p.StripePriceID, candidate.paymentMethodID)
		if err != nil {
			// fall through to the next candidate
			r.Logger.Warn("Direct subscription attempt failed",
				zap.String("ProfileID", candidate.user.ID),
				zap.Error(err),
			)
			continue
		}
		internal := materialize(created, candidate.user.ID, restaurantID, p.ID)
		if err := r.Subscriptions.Upsert(ctx, internal); err != nil {
			return nil, err
		}
		r.Subscriptions.AppendHistory(ctx, created.ID, "subscription.direct_created", internal.Status)
		r.publish(&broker.Event{
			Type:                 broker.EventSubscriptionActivated,
			StripeSubscriptionID: created.ID,
			RestaurantID:         restaurantID,
			ProfileID:            candidate.user.ID,
			PlanID:               p.ID,
		})
		return &DirectSubscriptionResult{
			Mode:                 "direct",
			StripeSubscriptionID: created.ID,
		}, nil
	}

	// every candidate failed; degrade to the checkout-link flow
	owner := users[0]
	restaurant, err := r.Users.EnsureRestaurant(ctx, &owner, "")
	if err != nil {
		return nil, err
	}
	linkURL, err := r.SetupSubscription(ctx, SetupRequest{
		Email:          owner.Email,
		Name:           owner.Name,
		PhoneNumber:    owner.PhoneNumber,
		RestaurantName: restaurant.Name,
		PlanID:         p.ID,
	})
	if err != nil {
		return nil, err
	}
	return &DirectSubscriptionResult{
		Mode:            "checkoutLink",
		CheckoutLinkURL: linkURL,
	}, nil
}

func (r *Reconciler) publishCancellation(ctx context.Context, stripeSubscriptionID string) {
	event := &broker.Event{
		Type:                 broker.EventSubscriptionCanceled,
		StripeSubscriptionID: stripeSubscriptionID,
	}
	if internal, err := r.Subscriptions.GetByStripeID(ctx, stripeSubscriptionID); err == nil && internal != nil {
		event.RestaurantID = internal.RestaurantID
		event.ProfileID = internal.ProfileID
		event.PlanID = internal.PlanID
	}
	r.publish(event)
}

func (r *Reconciler) publish(e *broker.Event) {
	if r.Producer == nil {
		return
	}
	if err := r.Producer.PublishEvent(e); err != nil {
		// fanout is advisory; losing an event never fails the operation
		r.Logger.Error("Unable to publish lifecycle event",
			zap.String("EventType", string(e.Type)),
			zap.Error(err),
		)
	}
}

// materialize derives the internal row from a provider payload
func materialize(payload *stripe.Subscription, profileID, restaurantID, planID string) *Subscription {
	paused := len(payload.PauseCollection.Behavior) > 0
	status, isActive := NormalizeStatus(payload.Status, paused)

	var paymentMethodID string
	if payload.DefaultPaymentMethod != nil {
		paymentMethodID = payload.DefaultPaymentMethod.ID
	}

	return &Subscription{
		StripeSubscriptionID: payload.ID,
		RestaurantID:         restaurantID,
		ProfileID:            profileID,
		PlanID:               planID,
		Status:               status,
		IsActive:             isActive,
		CurrentPeriodStart:   time.Unix(payload.CurrentPeriodStart, 0),
		CurrentPeriodEnd:     time.Unix(payload.CurrentPeriodEnd, 0),
		TrialStart:           unixTimePtr(payload.TrialStart),
		TrialEnd:             unixTimePtr(payload.TrialEnd),
		CanceledAt:           unixTimePtr(payload.CanceledAt),
		CancelAt:             unixTimePtr(payload.CancelAt),
		PaymentMethodID:      paymentMethodID,
	}
}

func subscriptionPriceID(payload *stripe.Subscription) string {
	if payload.Items == nil || len(payload.Items.Data) == 0 {
		return ""
	}
	if payload.Items.Data[0].Price == nil {
		return ""
	}
	return payload.Items.Data[0].Price.ID
}

func unixTimePtr(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0)
	return &t
}
