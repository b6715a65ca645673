package crmsync

import (
	"encoding/json"
	"fmt"
	"net/http"

	resp "github.com/menulab/billing/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Engine *Engine
	Logger *zap.Logger
}

// Service is the CRM-facing webhook endpoint
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the CRM sync API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Engine == nil {
		return nil, fmt.Errorf("nil Engine is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// dealEventPayload is the slice of the CRM webhook body the engine
// cares about. The full deal is always re-read fresh, so only the id is
// taken from the payload.
type dealEventPayload struct {
	Current struct {
		ID int64 `json:"id"`
	} `json:"current"`
	Meta struct {
		ID int64 `json:"id"`
	} `json:"meta"`
}

// handleDealEvent acknowledges with 200 no matter what: the CRM retries
// non-2xx responses, and the engine re-derives everything from a fresh
// read so a lost event costs nothing once the next one arrives.
func (s *Service) handleDealEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload dealEventPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.Logger.Warn("Unable to parse deal event payload",
			zap.Error(err),
		)
		resp.WriteResponse(w, r, "ignored")
		return
	}
	dealID := payload.Current.ID
	if dealID == 0 {
		dealID = payload.Meta.ID
	}

	s.Engine.HandleDealUpdated(ctx, dealID)
	resp.WriteResponse(w, r, "received")
}

// Router will return the CRM webhook routes
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/deal", s.handleDealEvent)

	return r
}
