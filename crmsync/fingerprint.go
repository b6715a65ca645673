package crmsync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// SubscriptionInput is the canonical view of a deal used to decide
// whether the payment link needs regeneration. It is derived fresh on
// every deal event and never persisted; only its fingerprint and its
// downstream effects are.
type SubscriptionInput struct {
	DealID          int64
	Price           int64 // minor currency units
	RestaurantName  string
	Name            string
	Email           string
	PhoneNumber     string
	SalesRepSlackID string
}

// canonical serializes the input with a fixed key order and explicit
// nulls for absent optional fields, so that semantically equal inputs
// always produce identical bytes
func (in SubscriptionInput) canonical() []byte {
	doc := struct {
		DealID          int64   `json:"dealId"`
		Price           int64   `json:"price"`
		RestaurantName  *string `json:"restaurantName"`
		Name            *string `json:"name"`
		Email           *string `json:"email"`
		PhoneNumber     *string `json:"phoneNumber"`
		SalesRepSlackID *string `json:"salesRepSlackId"`
	}{
		DealID:          in.DealID,
		Price:           in.Price,
		RestaurantName:  nullable(in.RestaurantName),
		Name:            nullable(in.Name),
		Email:           nullable(in.Email),
		PhoneNumber:     nullable(in.PhoneNumber),
		SalesRepSlackID: nullable(in.SalesRepSlackID),
	}
	b, _ := json.Marshal(doc)
	return b
}

func nullable(s string) *string {
	if len(s) == 0 {
		return nil
	}
	return &s
}

// Fingerprint returns the content digest of the canonical serialization
func (in SubscriptionInput) Fingerprint() string {
	sum := sha256.Sum256(in.canonical())
	return hex.EncodeToString(sum[:])
}

// IsLegacyFingerprint reports whether a stored fingerprint value is in
// the historical raw-JSON format. Legacy values are always treated as
// stale, forcing one regeneration that migrates the deal to the digest
// format.
func IsLegacyFingerprint(stored string) bool {
	return strings.HasPrefix(strings.TrimSpace(stored), "{")
}

// fingerprintMismatch reports whether the stored fingerprint fails to
// vouch for the current input
func fingerprintMismatch(stored, current string) bool {
	if len(stored) == 0 {
		return true
	}
	if IsLegacyFingerprint(stored) {
		return true
	}
	return stored != current
}
