package subscription

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"

	resp "github.com/menulab/billing/response"

	"github.com/go-chi/chi"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"
	"go.uber.org/zap"
)

const maxWebhookBody = 65536

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Reconciler    *Reconciler
	Deduper       *Deduper // optional
	Logger        *zap.Logger
	WebhookSecret string
}

// Service is the provider-facing webhook endpoint plus the admin billing API
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the subscription API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Reconciler == nil {
		return nil, fmt.Errorf("nil Reconciler is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.WebhookSecret) == 0 {
		return nil, fmt.Errorf("empty WebhookSecret is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// handleWebhook verifies, dedupes and dispatches provider events. It
// acknowledges with 200 even on internal failure: the provider would
// otherwise redeliver and compound side effects, and the upserts make a
// later correct delivery converge anyway.
func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unable to read request body"))
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), s.WebhookSecret)
	if err != nil {
		s.Logger.Warn("Webhook signature verification failed",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Signature verification failed"))
		return
	}

	logger := s.Logger.With(
		zap.String("EventID", event.ID),
		zap.String("EventType", string(event.Type)),
	)

	if s.Deduper != nil && !s.Deduper.FirstDelivery(event.ID) {
		logger.Debug("Duplicate webhook delivery suppressed")
		resp.WriteResponse(w, r, "duplicate")
		return
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unable to parse subscription payload"))
			return
		}
		if err := s.Reconciler.HandleSubscriptionEvent(ctx, &sub); err != nil {
			logger.Error("Subscription event handling failed",
				zap.Error(err),
			)
		}
	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unable to parse subscription payload"))
			return
		}
		if err := s.Reconciler.HandleCancellation(ctx, &sub); err != nil {
			logger.Error("Cancellation handling failed",
				zap.Error(err),
			)
		}
	case "subscription_schedule.updated", "subscription_schedule.canceled":
		var schedule stripe.SubscriptionSchedule
		if err := json.Unmarshal(event.Data.Raw, &schedule); err != nil {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unable to parse schedule payload"))
			return
		}
		if err := s.Reconciler.HandleScheduledCancellation(ctx, &schedule); err != nil {
			logger.Error("Scheduled cancellation handling failed",
				zap.Error(err),
			)
		}
	default:
		// acknowledge unknown events to avoid retries
	}

	resp.WriteResponse(w, r, "received")
}

// SetupSubscriptionRequest is the request body for preparing a checkout
type SetupSubscriptionRequest struct {
	Email           string `json:"email"`
	Name            string `json:"name"`
	PhoneNumber     string `json:"phoneNumber"`
	RestaurantName  string `json:"restaurantName"`
	PlanID          string `json:"planId"`
	CouponCode      string `json:"couponCode"`
	TrialDays       int64  `json:"trialDays"`
	TrialEnabled    bool   `json:"trialEnabled"`
	SalesRepSlackID string `json:"salesRepSlackId"`
}

func (s *Service) setupSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SetupSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}

	linkURL, err := s.Reconciler.SetupSubscription(ctx, SetupRequest{
		Email:           req.Email,
		Name:            req.Name,
		PhoneNumber:     req.PhoneNumber,
		RestaurantName:  req.RestaurantName,
		PlanID:          req.PlanID,
		CouponCode:      req.CouponCode,
		TrialDays:       req.TrialDays,
		TrialEnabled:    req.TrialEnabled,
		SalesRepSlackID: req.SalesRepSlackID,
	})
	if err != nil {
		if IsValidation(err) {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
			return
		}
		s.Logger.Error("Unable to setup subscription",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Failed to initialize subscription"))
		return
	}

	resp.WriteResponse(w, r, struct {
		URL string `json:"url"`
	}{
		URL: linkURL,
	})
}

type extendTrialRequest struct {
	Days int64 `json:"days"`
}

func (s *Service) extendTrial(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriptionID := chi.URLParam(r, "id")

	var req extendTrialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.Reconciler.ExtendTrial(ctx, subscriptionID, req.Days); err != nil {
		s.writeOperationError(w, r, err, "Unable to extend trial")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updatePlanRequest struct {
	PlanID string `json:"planId"`
}

func (s *Service) updatePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriptionID := chi.URLParam(r, "id")

	var req updatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.Reconciler.UpdatePlan(ctx, subscriptionID, req.PlanID); err != nil {
		s.writeOperationError(w, r, err, "Unable to update plan")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) undoCancellation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriptionID := chi.URLParam(r, "id")

	if err := s.Reconciler.UndoCancellation(ctx, subscriptionID); err != nil {
		s.writeOperationError(w, r, err, "Unable to undo cancellation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type directSubscriptionRequest struct {
	PlanID string `json:"planId"`
}

func (s *Service) createDirectSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	restaurantID := chi.URLParam(r, "restaurantId")

	var req directSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	result, err := s.Reconciler.CreateDirectSubscription(ctx, restaurantID, req.PlanID)
	if err != nil {
		s.writeOperationError(w, r, err, "Unable to create subscription")
		return
	}
	resp.WriteResponse(w, r, result)
}

func (s *Service) writeOperationError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	if IsValidation(err) {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}
	if _, ok := err.(*NotFoundError); ok {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages(err.Error()))
		return
	}
	s.Logger.Error(msg,
		zap.Error(err),
	)
	resp.WriteError(w, r, resp.ErrUnexpected().AddMessages(msg))
}

// Router will return the provider-facing routes
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/webhook", s.handleWebhook)

	return r
}

// AdminRouter will return the admin billing routes. The caller mounts it
// behind authentication.
func (s *Service) AdminRouter() http.Handler {
	r := chi.NewRouter()

	r.Post("/setup", s.setupSubscription)
	r.Post("/subscriptions/{id}/extendTrial", s.extendTrial)
	r.Post("/subscriptions/{id}/plan", s.updatePlan)
	r.Post("/subscriptions/{id}/undoCancellation", s.undoCancellation)
	r.Post("/restaurants/{restaurantId}/subscriptions", s.createDirectSubscription)

	return r
}
