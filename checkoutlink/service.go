package checkoutlink

import (
	"fmt"
	"net/http"

	resp "github.com/menulab/billing/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Registry *Registry
	Logger   *zap.Logger
}

// Service is the redirect surface for checkout links
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the checkout link router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Registry == nil {
		return nil, fmt.Errorf("nil Registry is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) redirect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	linkID := chi.URLParam(r, "linkId")

	logger := s.Logger.With(zap.String("LinkID", linkID))

	resolution, err := s.Registry.Resolve(ctx, linkID)
	if err != nil {
		logger.Error("Unable to resolve checkout link",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Failed to initialize subscription"))
		return
	}
	if resolution == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Checkout link does not exist"))
		return
	}
	if !resolution.IsValid {
		resp.WriteError(w, r, resp.ErrGone().AddMessages("Checkout link has already been used"))
		return
	}

	http.Redirect(w, r, resolution.RedirectURL(), http.StatusFound)
}

// Router will return the routes under the redirect surface
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/{linkId}", s.redirect)

	return r
}
