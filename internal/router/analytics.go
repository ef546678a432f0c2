package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// AnalyticsCredentials identify one analytics account.
type AnalyticsCredentials struct {
	APIKey    string `json:"apiKey"`
	AppID     string `json:"appId"`
	AccountID string `json:"accountId"`
}

// AnalyticsConfig configures an AnalyticsClient.
type AnalyticsConfig struct {
	BaseURL    string
	Production AnalyticsCredentials
	// Testing is used for events raised by non-production callers.
	Testing AnalyticsCredentials
	Timeout time.Duration
	Limits  ClientLimits
}

// AnalyticsClient adds events to the analytics platform.
type AnalyticsClient struct {
	cfg     AnalyticsConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *slog.Logger
}

// AnalyticsOption configures the AnalyticsClient
type AnalyticsOption func(*AnalyticsClient)

// WithAnalyticsLogger sets the logger
func WithAnalyticsLogger(logger *slog.Logger) AnalyticsOption {
	return func(c *AnalyticsClient) {
		c.logger = logger
	}
}

// WithAnalyticsHTTPClient replaces the HTTP client
func WithAnalyticsHTTPClient(client *http.Client) AnalyticsOption {
	return func(c *AnalyticsClient) {
		c.http = client
	}
}

// NewAnalyticsClient creates an analytics client.
func NewAnalyticsClient(cfg AnalyticsConfig, options ...AnalyticsOption) *AnalyticsClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.Limits = cfg.Limits.withDefaults()

	c := &AnalyticsClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	c.breaker = newBreaker("analytics", cfg.Limits, c.logger)
	c.limiter = newLimiter(cfg.Limits)
	return c
}

// AddEvent posts event with the production or testing credentials. Rejections
// by the platform are logged and reported through the returned response;
// errors mean the platform could not be reached.
func (c *AnalyticsClient) AddEvent(ctx context.Context, event map[string]any, testing bool) (map[string]any, error) {
	creds := c.cfg.Production
	if testing {
		creds = c.cfg.Testing
	}

	body := make(map[string]any, len(event)+1)
	for k, v := range event {
		body[k] = v
	}
	body["auth"] = creds

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode analytics event: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/events/add"
	var resp map[string]any
	err = execute(c.breaker, func() error {
		return doJSON(ctx, c.http, http.MethodPost, endpoint,
			map[string]string{"Content-Type": "application/json"}, payload, &resp)
	})
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		c.logger.Warn("analytics event rejected", "status", rejected.Status, "body", rejected.Body)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("add analytics event: %w", err)
	}

	c.logger.Debug("analytics event added", "testing", testing, "response", resp)
	return resp, nil
}
