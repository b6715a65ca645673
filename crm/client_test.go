package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientGetDeal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/deals/42", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("api_token"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data": map[string]interface{}{
				"id":     42,
				"status": "open",
				"value":  99.0,
			},
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "secret")
	require.NoError(t, err)

	deal, err := client.GetDeal(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), deal.ID)
	assert.Equal(t, 99.0, deal.Value)
}

func TestClientSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "invalid api token",
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "bad")
	require.NoError(t, err)

	_, err = client.GetDeal(context.Background(), 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api token")
}

func TestClientUpdateDealSendsPatchBody(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "secret")
	require.NoError(t, err)

	require.NoError(t, client.UpdateDeal(context.Background(), 42, map[string]string{
		"field_key": "https://billing.example.com/subscription/abc",
	}))
	assert.Equal(t, "https://billing.example.com/subscription/abc", received["field_key"])
}
