package crmsync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintIsDeterministic(t *testing.T) {
	input := SubscriptionInput{
		DealID:          42,
		Price:           9900,
		RestaurantName:  "Luigi's",
		Name:            "Luigi Mario",
		Email:           "luigi@example.com",
		PhoneNumber:     "+12345678900",
		SalesRepSlackID: "U12345678",
	}
	first := input.Fingerprint()
	second := input.Fingerprint()

	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestFingerprintIsSensitiveToEveryAttribute(t *testing.T) {
	base := SubscriptionInput{
		DealID:          42,
		Price:           9900,
		RestaurantName:  "Luigi's",
		Name:            "Luigi Mario",
		Email:           "luigi@example.com",
		PhoneNumber:     "+12345678900",
		SalesRepSlackID: "U12345678",
	}

	variants := []SubscriptionInput{base, base, base, base, base, base, base}
	variants[0].DealID = 43
	variants[1].Price = 14900
	variants[2].RestaurantName = "Mario's"
	variants[3].Name = "Mario Mario"
	variants[4].Email = "mario@example.com"
	variants[5].PhoneNumber = "+15550000000"
	variants[6].SalesRepSlackID = "U87654321"

	reference := base.Fingerprint()
	for k, variant := range variants {
		assert.NotEqual(t, reference, variant.Fingerprint(), "variant %d", k)
	}
}

func TestFingerprintAbsentFieldsSerializeAsNull(t *testing.T) {
	input := SubscriptionInput{
		DealID: 7,
		Price:  4900,
	}

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(input.canonical(), &doc))

	assert.Nil(t, doc["restaurantName"])
	assert.Nil(t, doc["email"])
	assert.NotEqual(t, input.Fingerprint(), SubscriptionInput{DealID: 7, Price: 4900, Email: "a@b.co"}.Fingerprint())
}

func TestIsLegacyFingerprint(t *testing.T) {
	assert.True(t, IsLegacyFingerprint(`{"dealId":42}`))
	assert.True(t, IsLegacyFingerprint("  {\"dealId\":42}"))
	assert.False(t, IsLegacyFingerprint(SubscriptionInput{DealID: 1}.Fingerprint()))
	assert.False(t, IsLegacyFingerprint(""))
}

func TestFingerprintMismatch(t *testing.T) {
	current := SubscriptionInput{DealID: 1, Price: 9900}.Fingerprint()

	assert.True(t, fingerprintMismatch("", current))
	assert.True(t, fingerprintMismatch(`{"dealId":1}`, current))
	assert.True(t, fingerprintMismatch(SubscriptionInput{DealID: 2, Price: 9900}.Fingerprint(), current))
	assert.False(t, fingerprintMismatch(current, current))
}
