package crm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldValueShapes(t *testing.T) {
	var deal Deal
	payload := `{
		"id": 42,
		"status": "open",
		"value": 99.0,
		"custom_fields": {
			"plain": "hello",
			"wrapped": {"value": "world"},
			"absent": null,
			"numeric": 7
		}
	}`
	require.NoError(t, json.Unmarshal([]byte(payload), &deal))

	assert.Equal(t, "hello", deal.CustomField("plain"))
	assert.Equal(t, "world", deal.CustomField("wrapped"))
	assert.Equal(t, "", deal.CustomField("absent"))
	assert.Equal(t, "7", deal.CustomField("numeric"))
	assert.Equal(t, "", deal.CustomField("never_seen"))
}

func TestPersonPrimaryContact(t *testing.T) {
	person := Person{
		Email: []ContactValue{
			{Value: "secondary@example.com"},
			{Value: "primary@example.com", Primary: true},
		},
		Phone: []ContactValue{
			{Value: "+15550000001"},
			{Value: "+15550000002"},
		},
	}

	assert.Equal(t, "primary@example.com", person.PrimaryEmail())
	// without an explicit primary, the first listed value wins
	assert.Equal(t, "+15550000001", person.PrimaryPhone())

	var empty Person
	assert.Empty(t, empty.PrimaryEmail())
}
