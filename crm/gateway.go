package crm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/menulab/billing/cache"

	"go.uber.org/zap"
)

const (
	fieldSchemaTTL = time.Minute * 30
	entityTTL      = time.Minute * 2
)

// API is the remote surface the Gateway wraps. Client implements it.
type API interface {
	GetDeal(ctx context.Context, id int64) (*Deal, error)
	GetOrganization(ctx context.Context, id int64) (*Organization, error)
	GetPerson(ctx context.Context, id int64) (*Person, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	ListDealFields(ctx context.Context) ([]DealField, error)
	UpdateDeal(ctx context.Context, id int64, fields map[string]string) error
}

// GatewayOptions contains the configuration for a Gateway
type GatewayOptions struct {
	API    API
	Logger *zap.Logger
}

// Gateway fronts the CRM API with short-lived caches. The caches are
// process-local; every entry is re-derivable from the CRM, and staleness
// only ever causes a redundant safe write downstream.
type Gateway struct {
	GatewayOptions
	fieldCache  *cache.TTL
	entityCache *cache.TTL
}

// NewGateway returns a caching Gateway over the CRM API
func NewGateway(option GatewayOptions) (*Gateway, error) {
	if option.API == nil {
		return nil, fmt.Errorf("nil API is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Gateway{
		GatewayOptions: option,
		fieldCache:     cache.NewTTL(fieldSchemaTTL),
		entityCache:    cache.NewTTL(entityTTL),
	}, nil
}

// GetDeal fetches a deal, uncached. Deals are the event subject and must
// always be read fresh.
func (g *Gateway) GetDeal(ctx context.Context, id int64) (*Deal, error) {
	return g.API.GetDeal(ctx, id)
}

// UpdateDealFields patches the given custom fields on a deal in a single call
func (g *Gateway) UpdateDealFields(ctx context.Context, id int64, fields map[string]string) error {
	return g.API.UpdateDeal(ctx, id, fields)
}

// FindFieldByName resolves a deal custom field descriptor by its display
// name. The schema list is cached since field keys rarely change.
func (g *Gateway) FindFieldByName(ctx context.Context, name string) (*DealField, error) {
	fields, err := g.listFields(ctx)
	if err != nil {
		return nil, err
	}
	for k, f := range fields {
		if strings.EqualFold(f.Name, name) {
			return &fields[k], nil
		}
	}
	return nil, &FieldResolutionError{Name: name}
}

func (g *Gateway) listFields(ctx context.Context) ([]DealField, error) {
	if cached, ok := g.fieldCache.Get("dealFields"); ok {
		return cached.([]DealField), nil
	}
	fields, err := g.API.ListDealFields(ctx)
	if err != nil {
		return nil, err
	}
	g.fieldCache.Set("dealFields", fields)
	return fields, nil
}

// GetOrganization fetches an organization with a short-lived cache
func (g *Gateway) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	key := fmt.Sprintf("org:%d", id)
	if cached, ok := g.entityCache.Get(key); ok {
		return cached.(*Organization), nil
	}
	org, err := g.API.GetOrganization(ctx, id)
	if err != nil {
		return nil, err
	}
	g.entityCache.Set(key, org)
	return org, nil
}

// GetPerson fetches a person with a short-lived cache
func (g *Gateway) GetPerson(ctx context.Context, id int64) (*Person, error) {
	key := fmt.Sprintf("person:%d", id)
	if cached, ok := g.entityCache.Get(key); ok {
		return cached.(*Person), nil
	}
	person, err := g.API.GetPerson(ctx, id)
	if err != nil {
		return nil, err
	}
	g.entityCache.Set(key, person)
	return person, nil
}

// GetUser fetches a CRM user with a short-lived cache
func (g *Gateway) GetUser(ctx context.Context, id int64) (*User, error) {
	key := fmt.Sprintf("user:%d", id)
	if cached, ok := g.entityCache.Get(key); ok {
		return cached.(*User), nil
	}
	user, err := g.API.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	g.entityCache.Set(key, user)
	return user, nil
}

// Enrichment carries the linked records of a deal. A nil member means
// that branch failed or was not linked; partial results are expected.
type Enrichment struct {
	Organization *Organization
	Person       *Person
	Owner        *User
}

// Enrich fetches the deal's linked organization, person and owner
// concurrently. A failure in any one branch is isolated and leaves that
// member nil; it never aborts the sibling fetches.
func (g *Gateway) Enrich(ctx context.Context, deal *Deal) *Enrichment {
	var enrichment Enrichment
	var wg sync.WaitGroup

	if deal.OrgID > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			org, err := g.GetOrganization(ctx, deal.OrgID)
			if err != nil {
				g.Logger.Warn("Organization enrichment failed",
					zap.Int64("DealID", deal.ID),
					zap.Int64("OrgID", deal.OrgID),
					zap.Error(err),
				)
				return
			}
			enrichment.Organization = org
		}()
	}
	if deal.PersonID > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			person, err := g.GetPerson(ctx, deal.PersonID)
			if err != nil {
				g.Logger.Warn("Person enrichment failed",
					zap.Int64("DealID", deal.ID),
					zap.Int64("PersonID", deal.PersonID),
					zap.Error(err),
				)
				return
			}
			enrichment.Person = person
		}()
	}
	if deal.OwnerID > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			owner, err := g.GetUser(ctx, deal.OwnerID)
			if err != nil {
				g.Logger.Warn("Owner enrichment failed",
					zap.Int64("DealID", deal.ID),
					zap.Int64("OwnerID", deal.OwnerID),
					zap.Error(err),
				)
				return
			}
			enrichment.Owner = owner
		}()
	}

	wg.Wait()
	return &enrichment
}
