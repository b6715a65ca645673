package crmsync

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/menulab/billing/crm"
	"github.com/menulab/billing/plan"
	"github.com/menulab/billing/subscription"

	"go.uber.org/zap"
)

const (
	// display names of the deal custom fields this engine owns
	defaultPaymentLinkField = "Payment Link"
	defaultFingerprintField = "Payment Link Fingerprint"
	defaultSlackIDField     = "Sales Rep Slack ID"

	msgInvalidPrice = "Invalid price"
	msgSetupFailed  = "Failed to initialize subscription"
)

// DealSource is the CRM surface the engine needs. crm.Gateway implements it.
type DealSource interface {
	GetDeal(ctx context.Context, id int64) (*crm.Deal, error)
	Enrich(ctx context.Context, deal *crm.Deal) *crm.Enrichment
	FindFieldByName(ctx context.Context, name string) (*crm.DealField, error)
	UpdateDealFields(ctx context.Context, id int64, fields map[string]string) error
}

// CheckoutProvisioner prepares a subscription checkout and returns the
// internal link URL. subscription.Reconciler implements it.
type CheckoutProvisioner interface {
	SetupSubscription(ctx context.Context, req subscription.SetupRequest) (string, error)
}

// PlanResolver resolves a plan from the deal value. plan.Catalog
// implements it.
type PlanResolver interface {
	ByAmount(ctx context.Context, amountInCents int64) (*plan.Plan, error)
}

// EngineOptions contains the configuration for an Engine
type EngineOptions struct {
	CRM      DealSource
	Checkout CheckoutProvisioner
	Plans    PlanResolver
	Logger   *zap.Logger
	// FallbackSalesReps maps a deal owner's email or phone to a Slack
	// member id, used when the deal field is missing or invalid
	FallbackSalesReps map[string]string
	// optional field name overrides
	PaymentLinkField string
	FingerprintField string
	SlackIDField     string
}

// Engine keeps CRM deals converged with the billing system. It reads a
// deal on every change event, decides whether the stored payment link
// still matches the deal's current attributes, and regenerates it only
// when it does not. All decisions flow through the fingerprint so the
// engine stays quiet under webhook storms and echo events caused by its
// own writes.
type Engine struct {
	EngineOptions
}

// NewEngine returns the CRM synchronization engine
func NewEngine(option EngineOptions) (*Engine, error) {
	if option.CRM == nil {
		return nil, fmt.Errorf("nil CRM is invalid")
	}
	if option.Checkout == nil {
		return nil, fmt.Errorf("nil Checkout is invalid")
	}
	if option.Plans == nil {
		return nil, fmt.Errorf("nil Plans is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.PaymentLinkField) == 0 {
		option.PaymentLinkField = defaultPaymentLinkField
	}
	if len(option.FingerprintField) == 0 {
		option.FingerprintField = defaultFingerprintField
	}
	if len(option.SlackIDField) == 0 {
		option.SlackIDField = defaultSlackIDField
	}
	return &Engine{
		EngineOptions: option,
	}, nil
}

// HandleDealUpdated processes a deal change event. It never returns an
// error: a CRM webhook failure would only trigger redelivery of an
// event the engine will re-derive from a fresh read anyway.
func (e *Engine) HandleDealUpdated(ctx context.Context, dealID int64) {
	if err := e.syncDeal(ctx, dealID); err != nil {
		e.Logger.Error("Deal sync failed",
			zap.Int64("DealID", dealID),
			zap.Error(err),
		)
	}
}

func (e *Engine) syncDeal(ctx context.Context, dealID int64) error {
	if dealID <= 0 {
		e.Logger.Warn("Ignoring deal event without an id")
		return nil
	}
	deal, err := e.CRM.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if deal == nil || deal.ID == 0 {
		e.Logger.Warn("Ignoring deal event for a missing deal",
			zap.Int64("DealID", dealID),
		)
		return nil
	}

	linkField, err := e.CRM.FindFieldByName(ctx, e.PaymentLinkField)
	if err != nil {
		// without the target field there is nowhere to write; bail out
		return err
	}
	fingerprintField, err := e.CRM.FindFieldByName(ctx, e.FingerprintField)
	if err != nil {
		// a missing fingerprint field degrades to always-stale behavior
		e.Logger.Warn("Fingerprint field did not resolve",
			zap.Int64("DealID", dealID),
			zap.Error(err),
		)
		fingerprintField = nil
	}

	enrichment := e.CRM.Enrich(ctx, deal)
	input := e.buildInput(ctx, deal, enrichment)
	fingerprint := input.Fingerprint()

	currentURL := deal.CustomField(linkField.Key)
	var storedFingerprint string
	if fingerprintField != nil {
		storedFingerprint = deal.CustomField(fingerprintField.Key)
	}

	// converged: a live link whose fingerprint matches the current input
	if isCheckoutLikeURL(currentURL) && !fingerprintMismatch(storedFingerprint, fingerprint) {
		return nil
	}

	if missing := missingAttributes(input); len(missing) > 0 {
		return e.writeError(ctx, deal, linkField, currentURL,
			"Missing attributes: "+strings.Join(missing, ", "))
	}

	p, err := e.Plans.ByAmount(ctx, input.Price)
	if err != nil {
		return err
	}
	if p == nil {
		return e.writeError(ctx, deal, linkField, currentURL, msgInvalidPrice)
	}

	linkURL, err := e.Checkout.SetupSubscription(ctx, subscription.SetupRequest{
		Email:           input.Email,
		Name:            input.Name,
		PhoneNumber:     input.PhoneNumber,
		RestaurantName:  input.RestaurantName,
		PlanID:          p.ID,
		TrialDays:       p.TrialDays,
		TrialEnabled:    p.TrialDays > 0,
		SalesRepSlackID: input.SalesRepSlackID,
	})
	if err != nil {
		e.Logger.Error("Checkout provisioning failed",
			zap.Int64("DealID", deal.ID),
			zap.Error(err),
		)
		return e.writeError(ctx, deal, linkField, currentURL, msgSetupFailed)
	}

	if !shouldWriteField(currentURL, linkURL, fingerprintMismatch(storedFingerprint, fingerprint)) {
		return nil
	}
	fields := map[string]string{
		linkField.Key: linkURL,
	}
	if fingerprintField != nil {
		// the URL and its fingerprint must land in one call so a crash
		// cannot leave a link vouched for by a stale digest
		fields[fingerprintField.Key] = fingerprint
	}
	return e.CRM.UpdateDealFields(ctx, deal.ID, fields)
}

// writeError records a diagnostic in the payment link field. No
// fingerprint accompanies it: error states are always stale, so the
// next event re-evaluates from scratch.
func (e *Engine) writeError(ctx context.Context, deal *crm.Deal, linkField *crm.DealField, currentURL, message string) error {
	if !shouldWriteField(currentURL, message, true) {
		return nil
	}
	return e.CRM.UpdateDealFields(ctx, deal.ID, map[string]string{
		linkField.Key: message,
	})
}

func (e *Engine) buildInput(ctx context.Context, deal *crm.Deal, enrichment *crm.Enrichment) SubscriptionInput {
	input := SubscriptionInput{
		DealID: deal.ID,
		Price:  int64(math.Round(deal.Value * 100)),
	}
	if enrichment.Organization != nil {
		input.RestaurantName = enrichment.Organization.Name
	}
	if enrichment.Person != nil {
		input.Name = enrichment.Person.Name
		input.Email = enrichment.Person.PrimaryEmail()
		// the phone is normalized before fingerprinting, so a deal whose
		// raw phone merely changes formatting still hashes the same
		input.PhoneNumber = enrichment.Person.PrimaryPhone()
		if normalized, ok := NormalizePhone(input.PhoneNumber); ok {
			input.PhoneNumber = normalized
		}
	}
	input.SalesRepSlackID = e.resolveSalesRep(ctx, deal, enrichment.Owner)
	return input
}

// resolveSalesRep prefers an explicit deal field value, falling back to
// the static table keyed by the deal owner's email or phone
func (e *Engine) resolveSalesRep(ctx context.Context, deal *crm.Deal, owner *crm.User) string {
	if field, err := e.CRM.FindFieldByName(ctx, e.SlackIDField); err == nil {
		if id, ok := NormalizeSlackID(deal.CustomField(field.Key)); ok {
			return id
		}
	}
	if owner == nil || e.FallbackSalesReps == nil {
		return ""
	}
	if id, ok := e.FallbackSalesReps[strings.ToLower(owner.Email)]; ok {
		return id
	}
	if id, ok := e.FallbackSalesReps[owner.Phone]; ok {
		return id
	}
	return ""
}

// missingAttributes returns the human-readable names of required
// attributes absent from the input, in a stable order so repeated
// evaluations produce byte-identical error messages
func missingAttributes(input SubscriptionInput) []string {
	missing := make([]string, 0, 3)
	if len(input.RestaurantName) == 0 {
		missing = append(missing, "restaurant name")
	}
	if len(input.Name) == 0 {
		missing = append(missing, "contact name")
	}
	if len(input.Email) == 0 {
		missing = append(missing, "email")
	}
	sort.Strings(missing)
	return missing
}
