package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	codeSuccess       = "SUCCESS"
	codeInvalidToken  = "INVALID_TOKEN"
	codeNotIntegrated = "NOT_INTEGRATED"
)

var (
	// ErrTokenUnavailable is returned when the refresh grant yields no access token.
	ErrTokenUnavailable = errors.New("crm: access token unavailable")
)

type tokenState int

const (
	tokenStateless tokenState = iota
	tokenAcquired
	tokenExpiredRetry
)

func (s tokenState) String() string {
	switch s {
	case tokenAcquired:
		return "token_acquired"
	case tokenExpiredRetry:
		return "token_expired_retry"
	default:
		return "stateless"
	}
}

// CRMConfig configures a CRMClient.
type CRMConfig struct {
	AccountsURL   string // OAuth server, e.g. https://accounts.zoho.com
	APIURL        string // CRM API, e.g. https://www.zohoapis.com
	ClientID      string
	ClientSecret  string
	RefreshToken  string
	DefaultModule string
	Timeout       time.Duration
	Limits        ClientLimits
}

// CRMClient upserts records into CRM modules. It holds one access token and
// refreshes it with the OAuth refresh grant when the API reports it invalid.
type CRMClient struct {
	cfg     CRMConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *slog.Logger

	mu    sync.Mutex
	state tokenState
	token string
}

// CRMOption configures the CRMClient
type CRMOption func(*CRMClient)

// WithCRMLogger sets the logger
func WithCRMLogger(logger *slog.Logger) CRMOption {
	return func(c *CRMClient) {
		c.logger = logger
	}
}

// WithCRMHTTPClient replaces the HTTP client
func WithCRMHTTPClient(client *http.Client) CRMOption {
	return func(c *CRMClient) {
		c.http = client
	}
}

// NewCRMClient creates a client in the stateless token state.
func NewCRMClient(cfg CRMConfig, options ...CRMOption) *CRMClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.DefaultModule == "" {
		cfg.DefaultModule = "Users_Data"
	}
	cfg.Limits = cfg.Limits.withDefaults()

	c := &CRMClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	c.breaker = newBreaker("crm", cfg.Limits, c.logger)
	c.limiter = newLimiter(cfg.Limits)
	return c
}

type upsertResponse struct {
	Code string `json:"code"`
	Data []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"data"`
}

// Upsert writes record into module and returns the API result code. Codes
// other than SUCCESS are business outcomes, not errors; errors mean the API
// could not be reached or answered unexpectedly.
func (c *CRMClient) Upsert(ctx context.Context, module string, record map[string]any) (string, error) {
	if len(record) == 0 {
		return codeNotIntegrated, nil
	}
	if module == "" {
		module = c.cfg.DefaultModule
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}

	code, err := c.upsert(ctx, module, record, token)
	if err != nil {
		return "", err
	}
	if code == codeInvalidToken {
		c.expire(token)
		if token, err = c.refresh(ctx); err != nil {
			return "", err
		}
		if code, err = c.upsert(ctx, module, record, token); err != nil {
			return "", err
		}
	}

	c.logger.Debug("crm upsert finished", "module", module, "code", code)
	return code, nil
}

func (c *CRMClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.state == tokenAcquired {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()
	return c.refresh(ctx)
}

// expire moves to token-expired-retry unless another caller already replaced the token.
func (c *CRMClient) expire(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.state = tokenExpiredRetry
	}
}

func (c *CRMClient) refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	form := url.Values{}
	form.Set("refresh_token", c.cfg.RefreshToken)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("grant_type", "refresh_token")
	endpoint := strings.TrimRight(c.cfg.AccountsURL, "/") + "/oauth/v2/token"
	headers := map[string]string{"Content-Type": "application/x-www-form-urlencoded"}

	var body struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := c.do(ctx, http.MethodPost, endpoint, headers, []byte(form.Encode()), &body); err != nil {
		c.state = tokenStateless
		c.token = ""
		return "", fmt.Errorf("refresh crm token: %w", err)
	}
	if body.AccessToken == "" {
		c.state = tokenStateless
		c.token = ""
		return "", fmt.Errorf("%w: %s", ErrTokenUnavailable, body.Error)
	}

	c.token = body.AccessToken
	c.state = tokenAcquired
	c.logger.Debug("crm access token refreshed")
	return c.token, nil
}

func (c *CRMClient) upsert(ctx context.Context, module string, record map[string]any, token string) (string, error) {
	payload, err := json.Marshal(map[string]any{"data": []map[string]any{record}})
	if err != nil {
		return "", fmt.Errorf("encode crm record: %w", err)
	}
	endpoint := fmt.Sprintf("%s/crm/v2/%s/upsert", strings.TrimRight(c.cfg.APIURL, "/"), url.PathEscape(module))
	headers := map[string]string{
		"Authorization": "Zoho-oauthtoken " + token,
		"Content-Type":  "application/json",
	}

	var resp upsertResponse
	err = c.do(ctx, http.MethodPost, endpoint, headers, payload, &resp)
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return fmt.Sprintf("HTTP_%d", rejected.Status), nil
	}
	if err != nil {
		return "", fmt.Errorf("crm upsert into %s: %w", module, err)
	}
	switch {
	case resp.Code != "":
		return resp.Code, nil
	case len(resp.Data) > 0:
		return resp.Data[0].Code, nil
	default:
		return "", fmt.Errorf("crm upsert into %s: empty response", module)
	}
}

// do runs one request through the limiter and breaker and decodes a JSON body.
// The API reports token errors with 401 and a JSON body.
func (c *CRMClient) do(ctx context.Context, method, endpoint string, headers map[string]string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return execute(c.breaker, func() error {
		return doJSON(ctx, c.http, method, endpoint, headers, body, out)
	})
}

// StatusError is returned for server-side HTTP failures.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.URL, e.Status, e.Body)
}

// RejectedError is returned for client-side HTTP failures whose body is not
// the API's JSON error format. It does not trip the circuit breaker.
type RejectedError struct {
	URL    string
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected the request with %d: %s", e.URL, e.Status, e.Body)
}

func doJSON(ctx context.Context, client *http.Client, method, endpoint string, headers map[string]string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return &StatusError{URL: redactURL(req.URL), Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return &RejectedError{URL: redactURL(req.URL), Status: resp.StatusCode, Body: string(data)}
		}
		return fmt.Errorf("decode response from %s (status %d): %w", redactURL(req.URL), resp.StatusCode, err)
	}
	return nil
}

// redactURL formats u for errors and logs without credentials or query.
func redactURL(u *url.URL) string {
	clean := *u
	clean.RawQuery = ""
	clean.ForceQuery = false
	return clean.Redacted()
}
