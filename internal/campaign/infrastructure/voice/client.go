// Package voice implements the outbound-call provider client.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	"github.com/sony/gobreaker/v2"
)

// Config configures the voice provider client.
type Config struct {
	// BaseURL is the provider API root, e.g. https://voice.example.com.
	BaseURL string

	// APIKey authenticates every request via the X-API-Key header.
	APIKey string

	// Timeout bounds a single HTTP round trip.
	Timeout time.Duration

	// ReadRetries is how many times conversation reads are retried
	// before the error surfaces to the poll loop.
	ReadRetries int
}

// DefaultConfig returns sensible defaults for the voice client.
func DefaultConfig() Config {
	return Config{
		Timeout:     30 * time.Second,
		ReadRetries: 3,
	}
}

// Client implements domain.VoiceProvider over the provider's HTTP API.
// All calls run through a circuit breaker so a dead provider stops
// consuming sweep capacity quickly.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker[any]
	readRetries int
	logger      *slog.Logger
}

// NewClient creates a new voice provider client.
func NewClient(config Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.ReadRetries <= 0 {
		config.ReadRetries = DefaultConfig().ReadRetries
	}

	settings := gobreaker.Settings{
		Name:        "voice-provider",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}

	return &Client{
		baseURL:     config.BaseURL,
		apiKey:      config.APIKey,
		httpClient:  &http.Client{Timeout: config.Timeout},
		breaker:     gobreaker.NewCircuitBreaker[any](settings),
		readRetries: config.ReadRetries,
		logger:      logger,
	}
}

type placeCallRequest struct {
	ToNumber      string            `json:"to_number"`
	AgentID       string            `json:"agent_id"`
	PhoneNumberID string            `json:"phone_number_id"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type placeCallResponse struct {
	CallID         string `json:"call_id"`
	ConversationID string `json:"conversation_id"`
}

// PlaceCall starts one outbound call. Any error, network or HTTP, means
// the attempt was never initiated.
func (c *Client) PlaceCall(ctx context.Context, req domain.PlaceCallRequest) (*domain.CallHandle, error) {
	body, err := json.Marshal(placeCallRequest{
		ToNumber:      req.ToNumber,
		AgentID:       req.Identity.AgentID,
		PhoneNumberID: req.Identity.PhoneNumberID,
		Metadata:      req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("encode call request: %w", err)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.doPlaceCall(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	return result.(*domain.CallHandle), nil
}

func (c *Client) doPlaceCall(ctx context.Context, body []byte) (*domain.CallHandle, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/calls", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create call request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("place call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read call response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("place call failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var placed placeCallResponse
	if err := json.Unmarshal(respBody, &placed); err != nil {
		return nil, fmt.Errorf("parse call response: %w", err)
	}
	if placed.ConversationID == "" {
		return nil, fmt.Errorf("call response carried no conversation id")
	}

	return &domain.CallHandle{
		CallRef:         placed.CallID,
		ConversationRef: placed.ConversationID,
	}, nil
}

type conversationResponse struct {
	Status   string         `json:"status"`
	Analysis map[string]any `json:"analysis"`
	Metadata map[string]any `json:"metadata"`
}

// GetConversation fetches the current conversation state. Transient read
// errors are retried with exponential backoff before surfacing, since the
// poll loop treats every returned state as the freshest truth.
func (c *Client) GetConversation(ctx context.Context, conversationRef string) (*domain.Conversation, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		var lastErr error
		for i := 0; i <= c.readRetries; i++ {
			if i > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
				}
			}
			conv, err := c.doGetConversation(ctx, conversationRef)
			if err == nil {
				return conv, nil
			}
			lastErr = err
		}
		return nil, fmt.Errorf("conversation read retries exhausted: %w", lastErr)
	})
	if err != nil {
		return nil, err
	}
	return result.(*domain.Conversation), nil
}

func (c *Client) doGetConversation(ctx context.Context, conversationRef string) (*domain.Conversation, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/conversations/"+conversationRef, nil)
	if err != nil {
		return nil, fmt.Errorf("create conversation request: %w", err)
	}
	httpReq.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read conversation response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get conversation failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var conv conversationResponse
	if err := json.Unmarshal(respBody, &conv); err != nil {
		return nil, fmt.Errorf("parse conversation response: %w", err)
	}

	return &domain.Conversation{
		Status:          conv.Status,
		DurationSeconds: durationSeconds(conv.Metadata, conv.Analysis),
		Analysis:        conv.Analysis,
	}, nil
}

// durationSeconds digs the call duration out of the provider payload.
// Providers report it under different keys, so several spellings are read.
func durationSeconds(sources ...map[string]any) int {
	for _, src := range sources {
		for _, key := range []string{"duration_seconds", "durationSeconds", "call_duration_secs"} {
			switch v := src[key].(type) {
			case float64:
				return int(v)
			case int:
				return v
			}
		}
	}
	return 0
}
