// Package email implements the email delivery port.
package email

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

// Config configures the HTTP email sender.
type Config struct {
	// BaseURL is the delivery API root.
	BaseURL string

	// APIKey authenticates every request via the X-API-Key header.
	APIKey string

	// FromAddress is the sender address stamped on every message.
	FromAddress string

	// Timeout bounds a single HTTP round trip.
	Timeout time.Duration
}

// HTTPSender implements domain.EmailDeliverer against a transactional
// email HTTP API, wrapped in a circuit breaker.
type HTTPSender struct {
	baseURL    string
	apiKey     string
	from       string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[any]
	logger     *slog.Logger
}

// NewHTTPSender creates a new HTTP email sender.
func NewHTTPSender(config Config, logger *slog.Logger) *HTTPSender {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "email-delivery",
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

	return &HTTPSender{
		baseURL:    config.BaseURL,
		apiKey:     config.APIKey,
		from:       config.FromAddress,
		httpClient: &http.Client{Timeout: config.Timeout},
		breaker:    gobreaker.NewCircuitBreaker[any](settings),
		logger:     logger,
	}
}

type sendRequest struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Label   string `json:"label,omitempty"`
}

// Deliver sends one message. Non-2xx responses are errors.
func (s *HTTPSender) Deliver(ctx context.Context, msg domain.EmailMessage) error {
	body, err := json.Marshal(sendRequest{
		From:    s.from,
		To:      msg.To,
		Subject: msg.Subject,
		Body:    msg.Body,
		Label:   msg.Label,
	})
	if err != nil {
		return fmt.Errorf("encode send request: %w", err)
	}

	_, err = s.breaker.Execute(func() (any, error) {
		return nil, s.doSend(ctx, body)
	})
	return err
}

func (s *HTTPSender) doSend(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("send email failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
