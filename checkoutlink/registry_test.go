package checkoutlink

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLinkStore struct {
	links    map[string]*CheckoutLink
	rewrites int
}

func newFakeLinkStore(links ...*CheckoutLink) *fakeLinkStore {
	s := &fakeLinkStore{links: make(map[string]*CheckoutLink)}
	for _, l := range links {
		s.links[l.ID] = l
	}
	return s
}

func (s *fakeLinkStore) insert(ctx context.Context, link *CheckoutLink) error {
	s.links[link.ID] = link
	return nil
}

func (s *fakeLinkStore) get(ctx context.Context, id string) (*CheckoutLink, error) {
	link, ok := s.links[id]
	if !ok {
		return nil, nil
	}
	copied := *link
	return &copied, nil
}

func (s *fakeLinkStore) findActive(ctx context.Context, userID, planID string) (*CheckoutLink, error) {
	for _, l := range s.links {
		if l.UserID == userID && l.PlanID == planID && l.Status == StatusActive {
			return l, nil
		}
	}
	return nil, nil
}

func (s *fakeLinkStore) rewrite(ctx context.Context, id, checkoutURL string, expiresAt time.Time) error {
	link, ok := s.links[id]
	if !ok {
		return fmt.Errorf("no such link %s", id)
	}
	s.rewrites++
	link.CheckoutURL = checkoutURL
	link.ExpiresAt = expiresAt
	link.Status = StatusActive
	return nil
}

func (s *fakeLinkStore) setStatus(ctx context.Context, id string, status Status) error {
	link, ok := s.links[id]
	if !ok {
		return fmt.Errorf("no such link %s", id)
	}
	link.Status = status
	return nil
}

type fakeRegenerator struct {
	url   string
	err   error
	calls int
}

func (f *fakeRegenerator) RegenerateCheckoutSession(ctx context.Context, link *CheckoutLink) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

func newTestRegistry(store *fakeLinkStore, current time.Time) (*Registry, *fakeRegenerator) {
	regen := &fakeRegenerator{url: "https://checkout.stripe.com/pay/cs_fresh"}
	r := &Registry{
		RegistryOptions: RegistryOptions{Logger: zap.NewNop()},
		store:           store,
		now:             func() time.Time { return current },
	}
	r.SetRegenerator(regen)
	return r, regen
}

func TestCreateIssuesActiveLink(t *testing.T) {
	current := time.Now()
	store := newFakeLinkStore()
	r, _ := newTestRegistry(store, current)

	link, err := r.Create(context.Background(), CreateOptions{
		UserID:      "user-1",
		PlanID:      "plan-pro",
		CheckoutURL: "https://checkout.stripe.com/pay/cs_1",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, link.ID)
	assert.Equal(t, StatusActive, link.Status)
	assert.Equal(t, current.Add(DefaultValidity), link.ExpiresAt)
	require.Len(t, store.links, 1)
}

func TestResolveActiveLink(t *testing.T) {
	current := time.Now()
	store := newFakeLinkStore(&CheckoutLink{
		ID:          "link-1",
		CheckoutURL: "https://checkout.stripe.com/pay/cs_1",
		ExpiresAt:   current.Add(time.Hour),
		Status:      StatusActive,
	})
	r, regen := newTestRegistry(store, current)

	resolution, err := r.Resolve(context.Background(), "link-1")
	require.NoError(t, err)

	assert.True(t, resolution.IsValid)
	assert.False(t, resolution.IsExpired)
	assert.Equal(t, "https://checkout.stripe.com/pay/cs_1", resolution.RedirectURL())
	assert.Zero(t, regen.calls)
}

func TestResolveUsedLinkIsNeverValid(t *testing.T) {
	current := time.Now()
	store := newFakeLinkStore(&CheckoutLink{
		ID:          "link-1",
		CheckoutURL: "https://checkout.stripe.com/pay/cs_1",
		ExpiresAt:   current.Add(-time.Hour), // even aged out, a used link is terminal
		Status:      StatusUsed,
	})
	r, regen := newTestRegistry(store, current)

	resolution, err := r.Resolve(context.Background(), "link-1")
	require.NoError(t, err)

	assert.False(t, resolution.IsValid)
	assert.Zero(t, regen.calls)
	assert.Zero(t, store.rewrites)
}

func TestResolveExpiredLinkRegeneratesInPlace(t *testing.T) {
	current := time.Now()
	store := newFakeLinkStore(&CheckoutLink{
		ID:          "link-1",
		UserID:      "user-1",
		PlanID:      "plan-pro",
		CheckoutURL: "https://checkout.stripe.com/pay/cs_stale",
		ExpiresAt:   current.Add(-time.Minute),
		Status:      StatusActive,
	})
	r, regen := newTestRegistry(store, current)

	resolution, err := r.Resolve(context.Background(), "link-1")
	require.NoError(t, err)

	assert.True(t, resolution.IsValid)
	assert.True(t, resolution.IsExpired)
	assert.Equal(t, "https://checkout.stripe.com/pay/cs_fresh", resolution.RedirectURL())
	assert.Equal(t, 1, regen.calls)

	// same row rewritten, no new rows
	require.Len(t, store.links, 1)
	assert.Equal(t, 1, store.rewrites)
	rewritten := store.links["link-1"]
	assert.Equal(t, "https://checkout.stripe.com/pay/cs_fresh", rewritten.CheckoutURL)
	assert.Equal(t, StatusActive, rewritten.Status)
	assert.Equal(t, current.Add(DefaultValidity), rewritten.ExpiresAt)
}

func TestResolveProviderExpiredStatusRegenerates(t *testing.T) {
	current := time.Now()
	store := newFakeLinkStore(&CheckoutLink{
		ID:          "link-1",
		CheckoutURL: "https://checkout.stripe.com/pay/cs_stale",
		ExpiresAt:   current.Add(time.Hour), // not aged out, but the provider expired the session
		Status:      StatusExpired,
	})
	r, regen := newTestRegistry(store, current)

	resolution, err := r.Resolve(context.Background(), "link-1")
	require.NoError(t, err)

	assert.True(t, resolution.IsValid)
	assert.True(t, resolution.IsExpired)
	assert.Equal(t, 1, regen.calls)
	assert.Equal(t, StatusActive, store.links["link-1"].Status)
}

func TestResolveUnknownLink(t *testing.T) {
	r, _ := newTestRegistry(newFakeLinkStore(), time.Now())

	resolution, err := r.Resolve(context.Background(), "link-nope")
	require.NoError(t, err)
	assert.Nil(t, resolution)
}

func TestResolveRegenerationFailureLeavesLinkUntouched(t *testing.T) {
	current := time.Now()
	store := newFakeLinkStore(&CheckoutLink{
		ID:          "link-1",
		CheckoutURL: "https://checkout.stripe.com/pay/cs_stale",
		ExpiresAt:   current.Add(-time.Minute),
		Status:      StatusActive,
	})
	r, regen := newTestRegistry(store, current)
	regen.err = fmt.Errorf("provider unavailable")

	_, err := r.Resolve(context.Background(), "link-1")
	require.Error(t, err)

	assert.Zero(t, store.rewrites)
	assert.Equal(t, "https://checkout.stripe.com/pay/cs_stale", store.links["link-1"].CheckoutURL)
}

func TestMarkUsedTransitionsStatus(t *testing.T) {
	store := newFakeLinkStore(&CheckoutLink{ID: "link-1", Status: StatusActive})
	r, _ := newTestRegistry(store, time.Now())

	r.MarkUsed(context.Background(), "link-1")
	assert.Equal(t, StatusUsed, store.links["link-1"].Status)

	// best-effort: an unknown id is logged, not fatal
	r.MarkExpired(context.Background(), "link-nope")
}
