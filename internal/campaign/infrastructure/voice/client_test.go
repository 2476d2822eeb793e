package voice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(Config{
		BaseURL:     srv.URL,
		APIKey:      "test-key",
		Timeout:     5 * time.Second,
		ReadRetries: 1,
	}, nil)
}

func TestClient_PlaceCall(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody placeCallRequest

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-API-Key")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"call_id":         "call-1",
			"conversation_id": "conv-1",
		})
	}))

	handle, err := client.PlaceCall(context.Background(), domain.PlaceCallRequest{
		ToNumber: "+15551230001",
		Identity: domain.CallerIdentity{AgentID: "agent-a", PhoneNumberID: "num-1"},
		Metadata: map[string]string{"label": "Example Business"},
	})
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotAuth)
	assert.Equal(t, "/v1/calls", gotPath)
	assert.Equal(t, "+15551230001", gotBody.ToNumber)
	assert.Equal(t, "agent-a", gotBody.AgentID)
	assert.Equal(t, "num-1", gotBody.PhoneNumberID)
	assert.Equal(t, "call-1", handle.CallRef)
	assert.Equal(t, "conv-1", handle.ConversationRef)
}

func TestClient_PlaceCall_ProviderError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent busy", http.StatusServiceUnavailable)
	}))

	_, err := client.PlaceCall(context.Background(), domain.PlaceCallRequest{ToNumber: "+15551230001"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestClient_PlaceCall_MissingConversationID(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"call_id": "call-1"})
	}))

	_, err := client.PlaceCall(context.Background(), domain.PlaceCallRequest{ToNumber: "+15551230001"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conversation id")
}

func TestClient_GetConversation(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/conversations/conv-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "done",
			"analysis": map[string]any{"is_partner": true},
			"metadata": map[string]any{"duration_seconds": 42},
		})
	}))

	conv, err := client.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)

	assert.Equal(t, "done", conv.Status)
	assert.Equal(t, 42, conv.DurationSeconds)
	assert.True(t, conv.IsTerminal())
	assert.True(t, conv.Succeeded())
	assert.Equal(t, true, conv.Analysis["is_partner"])
}

func TestClient_GetConversation_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "flake", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "in_progress"})
	}))

	conv, err := client.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "in_progress", conv.Status)
	assert.False(t, conv.IsTerminal())
}

func TestClient_GetConversation_ExhaustsRetries(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))

	_, err := client.GetConversation(context.Background(), "conv-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")
}
