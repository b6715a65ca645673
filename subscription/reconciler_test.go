package subscription

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/menulab/billing/account"
	"github.com/menulab/billing/checkoutlink"
	"github.com/menulab/billing/payment"
	"github.com/menulab/billing/plan"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

type fakeUsers struct {
	byEmail    map[string]*account.User
	byID       map[string]*account.User
	byCustomer map[string]*account.User
	restaurant *account.Restaurant
	users      []account.User

	created     []*account.User
	setCustomer map[string]string
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		byEmail:     make(map[string]*account.User),
		byID:        make(map[string]*account.User),
		byCustomer:  make(map[string]*account.User),
		restaurant:  &account.Restaurant{ID: "rest-1", Name: "Luigi's"},
		setCustomer: make(map[string]string),
	}
}

func (f *fakeUsers) add(user *account.User) *account.User {
	f.byEmail[user.Email] = user
	f.byID[user.ID] = user
	if len(user.StripeCustomerID) > 0 {
		f.byCustomer[user.StripeCustomerID] = user
	}
	f.users = append(f.users, *user)
	return user
}

func (f *fakeUsers) GetUserByID(ctx context.Context, id string) (*account.User, error) {
	return f.byID[id], nil
}

func (f *fakeUsers) GetUserByEmail(ctx context.Context, email string) (*account.User, error) {
	return f.byEmail[email], nil
}

func (f *fakeUsers) GetUserByStripeCustomerID(ctx context.Context, customerID string) (*account.User, error) {
	return f.byCustomer[customerID], nil
}

func (f *fakeUsers) NewUser(ctx context.Context, email, name, phoneNumber string) (*account.User, error) {
	user := &account.User{
		ID:          fmt.Sprintf("user-%d", len(f.created)+1),
		Email:       email,
		Name:        name,
		PhoneNumber: phoneNumber,
	}
	f.created = append(f.created, user)
	return f.add(user), nil
}

func (f *fakeUsers) SetStripeCustomerID(ctx context.Context, userID, customerID string) error {
	f.setCustomer[userID] = customerID
	if user, ok := f.byID[userID]; ok {
		user.StripeCustomerID = customerID
		f.byCustomer[customerID] = user
	}
	return nil
}

func (f *fakeUsers) EnsureRestaurant(ctx context.Context, user *account.User, name string) (*account.Restaurant, error) {
	user.RestaurantID = f.restaurant.ID
	return f.restaurant, nil
}

func (f *fakeUsers) ListUsersByRestaurant(ctx context.Context, restaurantID string) ([]account.User, error) {
	return f.users, nil
}

type fakeStore struct {
	upserts      []*Subscription
	canceled     []string
	history      []string
	activeByUser map[string]*Subscription
	byStripeID   map[string]*Subscription
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		activeByUser: make(map[string]*Subscription),
		byStripeID:   make(map[string]*Subscription),
	}
}

func (f *fakeStore) Upsert(ctx context.Context, sub *Subscription) error {
	f.upserts = append(f.upserts, sub)
	f.byStripeID[sub.StripeSubscriptionID] = sub
	return nil
}

func (f *fakeStore) GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*Subscription, error) {
	return f.byStripeID[stripeSubscriptionID], nil
}

func (f *fakeStore) GetActiveByUser(ctx context.Context, profileID string) (*Subscription, error) {
	return f.activeByUser[profileID], nil
}

func (f *fakeStore) MarkCanceled(ctx context.Context, stripeSubscriptionID string, canceledAt, cancelAt *time.Time) error {
	f.canceled = append(f.canceled, stripeSubscriptionID)
	return nil
}

func (f *fakeStore) AppendHistory(ctx context.Context, stripeSubscriptionID, event string, status Status) {
	f.history = append(f.history, event)
}

type fakeLinks struct {
	created []checkoutlink.CreateOptions
	active  *checkoutlink.CheckoutLink
	used    []string
	expired []string
}

func (f *fakeLinks) Create(ctx context.Context, opt checkoutlink.CreateOptions) (*checkoutlink.CheckoutLink, error) {
	f.created = append(f.created, opt)
	return &checkoutlink.CheckoutLink{
		ID:          fmt.Sprintf("link-%d", len(f.created)),
		UserID:      opt.UserID,
		PlanID:      opt.PlanID,
		CheckoutURL: opt.CheckoutURL,
	}, nil
}

func (f *fakeLinks) FindActive(ctx context.Context, userID, planID string) (*checkoutlink.CheckoutLink, error) {
	return f.active, nil
}

func (f *fakeLinks) MarkUsed(ctx context.Context, id string) {
	f.used = append(f.used, id)
}

func (f *fakeLinks) MarkExpired(ctx context.Context, id string) {
	f.expired = append(f.expired, id)
}

type fakeGateway struct {
	missingCustomers map[string]bool
	sessionFailures  int
	sessionURL       string

	findOrCreateCalls int
	sessionCalls      int
	sessions          []payment.CheckoutSessionData
	canceled          []string

	subDetails   *stripe.Subscription
	extendErr    error
	immediateErr error
	cards        map[string][]*stripe.PaymentMethod
	immediate    []string
}

func resourceMissingErr() error {
	return &payment.ProviderError{
		Kind: payment.KindResourceMissing,
		Code: string(stripe.ErrorCodeResourceMissing),
	}
}

func (f *fakeGateway) FindOrCreateCustomer(ctx context.Context, data payment.CustomerData) (*stripe.Customer, error) {
	f.findOrCreateCalls++
	return &stripe.Customer{ID: "cus_fresh", Email: data.Email}, nil
}

func (f *fakeGateway) GetCustomer(ctx context.Context, customerID string) (*stripe.Customer, error) {
	if f.missingCustomers[customerID] {
		return nil, resourceMissingErr()
	}
	return &stripe.Customer{ID: customerID}, nil
}

func (f *fakeGateway) CreateCheckoutSession(ctx context.Context, data payment.CheckoutSessionData) (*stripe.CheckoutSession, error) {
	f.sessionCalls++
	f.sessions = append(f.sessions, data)
	if f.sessionCalls <= f.sessionFailures {
		return nil, resourceMissingErr()
	}
	url := f.sessionURL
	if len(url) == 0 {
		url = "https://checkout.stripe.com/pay/cs_test"
	}
	return &stripe.CheckoutSession{ID: "cs_1", URL: url}, nil
}

func (f *fakeGateway) ValidateCoupon(ctx context.Context, couponID string) (*stripe.Coupon, error) {
	return &stripe.Coupon{ID: couponID, Valid: true}, nil
}

func (f *fakeGateway) ExtendTrial(ctx context.Context, subscriptionID string, trialEnd time.Time) (*stripe.Subscription, error) {
	if f.extendErr != nil {
		return nil, f.extendErr
	}
	return &stripe.Subscription{ID: subscriptionID, Status: stripe.SubscriptionStatusTrialing, TrialEnd: trialEnd.Unix()}, nil
}

func (f *fakeGateway) UpdatePlan(ctx context.Context, subscriptionID, newPriceID string) (*stripe.Subscription, error) {
	return &stripe.Subscription{ID: subscriptionID, Status: stripe.SubscriptionStatusActive}, nil
}

func (f *fakeGateway) CancelSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	f.canceled = append(f.canceled, subscriptionID)
	return &stripe.Subscription{ID: subscriptionID, Status: stripe.SubscriptionStatusCanceled}, nil
}

func (f *fakeGateway) UndoCancellation(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	return &stripe.Subscription{ID: subscriptionID, Status: stripe.SubscriptionStatusActive}, nil
}

func (f *fakeGateway) GetSubscriptionDetails(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	if f.subDetails != nil {
		return f.subDetails, nil
	}
	return &stripe.Subscription{ID: subscriptionID, Status: stripe.SubscriptionStatusActive}, nil
}

func (f *fakeGateway) ListCardPaymentMethods(ctx context.Context, customerID string) ([]*stripe.PaymentMethod, error) {
	return f.cards[customerID], nil
}

func (f *fakeGateway) CreateImmediateSubscription(ctx context.Context, customerID, priceID, paymentMethodID string) (*stripe.Subscription, error) {
	f.immediate = append(f.immediate, customerID+"/"+paymentMethodID)
	if f.immediateErr != nil {
		return nil, f.immediateErr
	}
	return &stripe.Subscription{
		ID:       "sub_direct",
		Status:   stripe.SubscriptionStatusActive,
		Customer: &stripe.Customer{ID: customerID},
	}, nil
}

type fakePlans struct {
	byID    map[string]*plan.Plan
	byPrice map[string]*plan.Plan
}

func (f *fakePlans) ByID(ctx context.Context, id string) (*plan.Plan, error) {
	return f.byID[id], nil
}

func (f *fakePlans) ByStripePriceID(ctx context.Context, priceID string) (*plan.Plan, error) {
	return f.byPrice[priceID], nil
}

func (f *fakePlans) ByAmount(ctx context.Context, amountInCents int64) (*plan.Plan, error) {
	return nil, nil
}

type reconcilerFixture struct {
	users   *fakeUsers
	store   *fakeStore
	links   *fakeLinks
	gateway *fakeGateway
	plans   *fakePlans
}

func newReconciler(t *testing.T) (*Reconciler, *reconcilerFixture) {
	proPlan := &plan.Plan{ID: "plan-pro", StripePriceID: "price_123", TrialDays: 14}
	fixture := &reconcilerFixture{
		users:   newFakeUsers(),
		store:   newFakeStore(),
		links:   &fakeLinks{},
		gateway: &fakeGateway{missingCustomers: make(map[string]bool)},
		plans: &fakePlans{
			byID:    map[string]*plan.Plan{"plan-pro": proPlan},
			byPrice: map[string]*plan.Plan{"price_123": proPlan},
		},
	}
	r, err := NewReconciler(ReconcilerOptions{
		Users:         fixture.users,
		Subscriptions: fixture.store,
		Links:         fixture.links,
		Gateway:       fixture.gateway,
		Plans:         fixture.plans,
		Logger:        zap.NewNop(),
		BaseURL:       "https://billing.example.com",
		SiteURL:       "https://app.menulab.example",
	})
	require.NoError(t, err)
	return r, fixture
}

func TestSetupSubscriptionIssuesInternalLink(t *testing.T) {
	r, fixture := newReconciler(t)

	url, err := r.SetupSubscription(context.Background(), SetupRequest{
		Email:          "luigi@example.com",
		Name:           "Luigi Mario",
		RestaurantName: "Luigi's",
		PlanID:         "plan-pro",
	})
	require.NoError(t, err)

	assert.Equal(t, "https://billing.example.com/subscription/link-1", url)
	require.Len(t, fixture.users.created, 1)
	require.Len(t, fixture.links.created, 1)
	assert.Equal(t, "cus_fresh", fixture.links.created[0].ProviderCustomerID)
	assert.Equal(t, "https://checkout.stripe.com/pay/cs_test", fixture.links.created[0].CheckoutURL)
}

func TestSetupSubscriptionSendsBrowserBackToSite(t *testing.T) {
	r, fixture := newReconciler(t)

	_, err := r.SetupSubscription(context.Background(), SetupRequest{
		Email:          "luigi@example.com",
		Name:           "Luigi Mario",
		RestaurantName: "Luigi's",
		PlanID:         "plan-pro",
	})
	require.NoError(t, err)

	require.Len(t, fixture.gateway.sessions, 1)
	session := fixture.gateway.sessions[0]
	assert.Equal(t, "https://app.menulab.example/billing/success", session.SuccessURL)
	assert.Equal(t, "https://app.menulab.example/billing/cancel", session.CancelURL)
	// completion must never land on the link resolver's route
	assert.NotContains(t, session.SuccessURL, "https://billing.example.com/subscription/")
	assert.NotContains(t, session.CancelURL, "https://billing.example.com/subscription/")
}

func TestSetupSubscriptionRejectsUnknownPlan(t *testing.T) {
	r, _ := newReconciler(t)

	_, err := r.SetupSubscription(context.Background(), SetupRequest{
		Email:  "luigi@example.com",
		Name:   "Luigi Mario",
		PlanID: "plan-nope",
	})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestSetupSubscriptionRecreatesVanishedCustomer(t *testing.T) {
	r, fixture := newReconciler(t)
	fixture.users.add(&account.User{
		ID:               "user-9",
		Email:            "luigi@example.com",
		StripeCustomerID: "cus_gone",
	})
	fixture.gateway.missingCustomers["cus_gone"] = true

	_, err := r.SetupSubscription(context.Background(), SetupRequest{
		Email:  "luigi@example.com",
		Name:   "Luigi Mario",
		PlanID: "plan-pro",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, fixture.gateway.findOrCreateCalls)
	assert.Equal(t, "cus_fresh", fixture.users.setCustomer["user-9"])
}

func TestSetupSubscriptionRetriesSessionOnceOnMissingCustomer(t *testing.T) {
	r, fixture := newReconciler(t)
	fixture.users.add(&account.User{
		ID:               "user-9",
		Email:            "luigi@example.com",
		StripeCustomerID: "cus_ok",
	})
	fixture.gateway.sessionFailures = 1

	_, err := r.SetupSubscription(context.Background(), SetupRequest{
		Email:  "luigi@example.com",
		Name:   "Luigi Mario",
		PlanID: "plan-pro",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, fixture.gateway.sessionCalls)
	assert.Equal(t, 1, fixture.gateway.findOrCreateCalls)
}

func activeSubscriptionPayload() *stripe.Subscription {
	return &stripe.Subscription{
		ID:       "sub_1",
		Customer: &stripe.Customer{ID: "cus_1"},
		Status:   stripe.SubscriptionStatusActive,
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{Price: &stripe.Price{ID: "price_123"}},
			},
		},
		CurrentPeriodStart: time.Now().Unix(),
		CurrentPeriodEnd:   time.Now().Add(time.Hour * 24 * 30).Unix(),
		Metadata: map[string]string{
			"restaurant_name": "Luigi's",
		},
	}
}

func TestHandleSubscriptionEventMaterializesActive(t *testing.T) {
	r, fixture := newReconciler(t)
	fixture.users.add(&account.User{
		ID:               "user-9",
		Email:            "luigi@example.com",
		StripeCustomerID: "cus_1",
	})
	fixture.links.active = &checkoutlink.CheckoutLink{ID: "link-1"}

	require.NoError(t, r.HandleSubscriptionEvent(context.Background(), activeSubscriptionPayload()))

	require.Len(t, fixture.store.upserts, 1)
	stored := fixture.store.upserts[0]
	assert.Equal(t, StatusActive, stored.Status)
	assert.True(t, stored.IsActive)
	assert.Equal(t, "user-9", stored.ProfileID)
	assert.Equal(t, "rest-1", stored.RestaurantID)
	assert.Equal(t, "plan-pro", stored.PlanID)

	assert.Equal(t, []string{"link-1"}, fixture.links.used)
}

func TestHandleSubscriptionEventPausedIsFailed(t *testing.T) {
	r, fixture := newReconciler(t)
	fixture.users.add(&account.User{
		ID:               "user-9",
		Email:            "luigi@example.com",
		StripeCustomerID: "cus_1",
	})

	payload := activeSubscriptionPayload()
	payload.PauseCollection = stripe.SubscriptionPauseCollection{
		Behavior: stripe.SubscriptionPauseCollectionBehaviorVoid,
	}

	require.NoError(t, r.HandleSubscriptionEvent(context.Background(), payload))

	require.Len(t, fixture.store.upserts, 1)
	assert.Equal(t, StatusFailed, fixture.store.upserts[0].Status)
	assert.False(t, fixture.store.upserts[0].IsActive)
}

func TestHandleSubscriptionEventCreatesUnknownUser(t *testing.T) {
	r, fixture := newReconciler(t)

	payload := activeSubscriptionPayload()
	payload.Metadata["email"] = "new@example.com"

	require.NoError(t, r.HandleSubscriptionEvent(context.Background(), payload))

	require.Len(t, fixture.users.created, 1)
	assert.Equal(t, "new@example.com", fixture.users.created[0].Email)
	assert.Equal(t, "cus_1", fixture.users.setCustomer[fixture.users.created[0].ID])
}

func TestHandleSubscriptionEventExpiresAbandonedLink(t *testing.T) {
	r, fixture := newReconciler(t)
	fixture.users.add(&account.User{
		ID:               "user-9",
		Email:            "luigi@example.com",
		StripeCustomerID: "cus_1",
	})
	fixture.links.active = &checkoutlink.CheckoutLink{ID: "link-1"}

	payload := activeSubscriptionPayload()
	payload.Status = stripe.SubscriptionStatusIncompleteExpired

	require.NoError(t, r.HandleSubscriptionEvent(context.Background(), payload))

	assert.Empty(t, fixture.links.used)
	assert.Equal(t, []string{"link-1"}, fixture.links.expired)
}

func TestHandleCancellationDoesNotReCancelProviderInitiated(t *testing.T) {
	r, fixture := newReconciler(t)

	require.NoError(t, r.HandleCancellation(context.Background(), &stripe.Subscription{
		ID:     "sub_1",
		Status: stripe.SubscriptionStatusCanceled,
	}))

	assert.Equal(t, []string{"sub_1"}, fixture.store.canceled)
	assert.Empty(t, fixture.gateway.canceled)
}

func TestHandleCancellationPropagatesToProvider(t *testing.T) {
	r, fixture := newReconciler(t)

	require.NoError(t, r.HandleCancellation(context.Background(), &stripe.Subscription{
		ID:     "sub_1",
		Status: stripe.SubscriptionStatusActive,
	}))

	assert.Equal(t, []string{"sub_1"}, fixture.store.canceled)
	assert.Equal(t, []string{"sub_1"}, fixture.gateway.canceled)
}

func TestHandleScheduledCancellationIgnoresRelease(t *testing.T) {
	r, fixture := newReconciler(t)

	require.NoError(t, r.HandleScheduledCancellation(context.Background(), &stripe.SubscriptionSchedule{
		Subscription: &stripe.Subscription{ID: "sub_1"},
		EndBehavior:  stripe.SubscriptionScheduleEndBehaviorRelease,
	}))

	assert.Empty(t, fixture.store.canceled)
}

func TestHandleScheduledCancellationCancels(t *testing.T) {
	r, fixture := newReconciler(t)
	fixture.gateway.subDetails = &stripe.Subscription{
		ID:     "sub_1",
		Status: stripe.SubscriptionStatusActive,
	}

	require.NoError(t, r.HandleScheduledCancellation(context.Background(), &stripe.SubscriptionSchedule{
		Subscription: &stripe.Subscription{ID: "sub_1"},
		EndBehavior:  stripe.SubscriptionScheduleEndBehaviorCancel,
		CurrentPhase: &stripe.SubscriptionScheduleCurrentPhase{
			EndDate: time.Now().Add(time.Hour * 24).Unix(),
		},
	}))

	assert.Equal(t, []string{"sub_1"}, fixture.store.canceled)
	assert.Equal(t, []string{"sub_1"}, fixture.gateway.canceled)
}

func TestExtendTrialProviderFailureLeavesInternalStateAlone(t *testing.T) {
	r, fixture := newReconciler(t)
	fixture.gateway.extendErr = fmt.Errorf("provider unavailable")

	err := r.ExtendTrial(context.Background(), "sub_1", 7)
	require.Error(t, err)

	assert.Empty(t, fixture.store.upserts)
	assert.Empty(t, fixture.store.history)
}

func TestExtendTrialRejectsNonPositiveDays(t *testing.T) {
	r, _ := newReconciler(t)

	err := r.ExtendTrial(context.Background(), "sub_1", 0)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestCreateDirectSubscriptionPrefersActiveSubscriptionCard(t *testing.T) {
	r, fixture := newReconciler(t)
	fixture.users.add(&account.User{
		ID:               "user-9",
		Email:            "luigi@example.com",
		StripeCustomerID: "cus_1",
	})
	fixture.store.activeByUser["user-9"] = &Subscription{
		StripeSubscriptionID: "sub_existing",
		PaymentMethodID:      "pm_active",
	}

	result, err := r.CreateDirectSubscription(context.Background(), "rest-1", "plan-pro")
	require.NoError(t, err)

	assert.Equal(t, "direct", result.Mode)
	assert.Equal(t, "sub_direct", result.StripeSubscriptionID)
	assert.Equal(t, []string{"cus_1/pm_active"}, fixture.gateway.immediate)
}

func TestCreateDirectSubscriptionFallsBackToStoredCard(t *testing.T) {
	r, fixture := newReconciler(t)
	fixture.users.add(&account.User{
		ID:               "user-9",
		Email:            "luigi@example.com",
		StripeCustomerID: "cus_1",
	})
	fixture.gateway.cards = map[string][]*stripe.PaymentMethod{
		"cus_1": {{ID: "pm_stored"}},
	}

	result, err := r.CreateDirectSubscription(context.Background(), "rest-1", "plan-pro")
	require.NoError(t, err)

	assert.Equal(t, "direct", result.Mode)
	assert.Equal(t, []string{"cus_1/pm_stored"}, fixture.gateway.immediate)
}

func TestCreateDirectSubscriptionDegradesToCheckoutLink(t *testing.T) {
	r, fixture := newReconciler(t)
	fixture.users.add(&account.User{
		ID:               "user-9",
		Email:            "luigi@example.com",
		Name:             "Luigi Mario",
		StripeCustomerID: "cus_1",
	})
	fixture.gateway.cards = map[string][]*stripe.PaymentMethod{
		"cus_1": {{ID: "pm_stored"}},
	}
	fixture.gateway.immediateErr = fmt.Errorf("card declined")

	result, err := r.CreateDirectSubscription(context.Background(), "rest-1", "plan-pro")
	require.NoError(t, err)

	assert.Equal(t, "checkoutLink", result.Mode)
	assert.Equal(t, "https://billing.example.com/subscription/link-1", result.CheckoutLinkURL)
}

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		provider stripe.SubscriptionStatus
		paused   bool
		want     Status
		active   bool
	}{
		{stripe.SubscriptionStatusActive, false, StatusActive, true},
		{stripe.SubscriptionStatusTrialing, false, StatusTrialing, true},
		{stripe.SubscriptionStatusActive, true, StatusFailed, false},
		{stripe.SubscriptionStatusTrialing, true, StatusFailed, false},
		{stripe.SubscriptionStatusPastDue, false, StatusFailed, false},
		{stripe.SubscriptionStatusIncomplete, false, StatusFailed, false},
		{stripe.SubscriptionStatusCanceled, false, StatusFailed, false},
	}
	for _, c := range cases {
		status, active := NormalizeStatus(c.provider, c.paused)
		assert.Equal(t, c.want, status, "provider %s paused %v", c.provider, c.paused)
		assert.Equal(t, c.active, active, "provider %s paused %v", c.provider, c.paused)
	}
}
