package email

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSender_Deliver(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody sendRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("X-API-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sender := NewHTTPSender(Config{
		BaseURL:     srv.URL,
		APIKey:      "key",
		FromAddress: "outreach@example.com",
		Timeout:     5 * time.Second,
	}, nil)

	err := sender.Deliver(context.Background(), domain.EmailMessage{
		To:      "owner@business.com",
		Subject: "Hello",
		Body:    "Body text",
		Label:   "Example Business",
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1/send", gotPath)
	assert.Equal(t, "key", gotAuth)
	assert.Equal(t, "outreach@example.com", gotBody.From)
	assert.Equal(t, "owner@business.com", gotBody.To)
	assert.Equal(t, "Hello", gotBody.Subject)
}

func TestHTTPSender_Deliver_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "mailbox full", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	sender := NewHTTPSender(Config{BaseURL: srv.URL}, nil)

	err := sender.Deliver(context.Background(), domain.EmailMessage{To: "owner@business.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
}

func TestNoopSender_Deliver(t *testing.T) {
	sender := NewNoopSender(nil)
	err := sender.Deliver(context.Background(), domain.EmailMessage{To: "owner@business.com"})
	assert.NoError(t, err)
}
