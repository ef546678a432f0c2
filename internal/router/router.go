// Package router forwards event-log records to the marketing platforms
// registered for the API path they were logged on.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	// TypeETLSegment marks segment refresh events from the ETL jobs.
	TypeETLSegment = "etl_segment"

	DefaultEnvironmentClaim = "vdezi_server"
	DefaultProductionValue  = "vdeziproduction"
)

// CRM upserts records and reports the API result code.
type CRM interface {
	Upsert(ctx context.Context, module string, record map[string]any) (string, error)
}

// Analytics adds events with production or testing credentials.
type Analytics interface {
	AddEvent(ctx context.Context, event map[string]any, testing bool) (map[string]any, error)
}

// MarketingRouter routes event-log records to analytics and CRM.
type MarketingRouter struct {
	registry   Registry
	crm        CRM
	analytics  Analytics
	logger     *slog.Logger
	envClaim   string
	production string
	now        func() time.Time
}

// Option configures the MarketingRouter
type Option func(*MarketingRouter)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *MarketingRouter) {
		r.logger = logger
	}
}

// WithCRM sets the CRM destination
func WithCRM(crm CRM) Option {
	return func(r *MarketingRouter) {
		r.crm = crm
	}
}

// WithAnalytics sets the analytics destination
func WithAnalytics(a Analytics) Option {
	return func(r *MarketingRouter) {
		r.analytics = a
	}
}

// WithEnvironmentClaim sets the JWT claim naming the caller's environment and
// the value it carries in production. Other values mark the event as a test.
func WithEnvironmentClaim(claim, production string) Option {
	return func(r *MarketingRouter) {
		if claim != "" {
			r.envClaim = claim
		}
		if production != "" {
			r.production = production
		}
	}
}

// WithClock sets the clock used to stamp events
func WithClock(now func() time.Time) Option {
	return func(r *MarketingRouter) {
		r.now = now
	}
}

// NewMarketingRouter creates a router that resolves routes in registry.
func NewMarketingRouter(registry Registry, options ...Option) *MarketingRouter {
	r := &MarketingRouter{
		registry:   registry,
		logger:     slog.Default(),
		envClaim:   DefaultEnvironmentClaim,
		production: DefaultProductionValue,
		now:        time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Route implements worker.Router. Malformed events and registry failures
// leave the message unacknowledged. Destination failures are logged and the
// message is still acknowledged.
func (r *MarketingRouter) Route(ctx context.Context, payload any) (bool, error) {
	ev, err := ParseEvent(payload)
	if err != nil {
		return false, err
	}

	if ev.Type != "" {
		if ev.Type == TypeETLSegment {
			r.logger.Info("segment event received", "type", ev.Type)
		} else {
			r.logger.Debug("ignoring typed event", "type", ev.Type)
		}
		return true, nil
	}

	logger := r.logger.With("path", ev.Request.URL)
	testing := r.attachClaims(ev, logger)

	route, found, err := r.registry.Lookup(ctx, ev.Request.URL)
	if err != nil {
		return false, fmt.Errorf("lookup route for %s: %w", ev.Request.URL, err)
	}
	if !found {
		logger.Debug("no route registered")
		return true, nil
	}

	r.enrich(ev.Raw)

	delivered := true
	if route.InAnalytics {
		if err := r.sendAnalytics(ctx, ev.Raw, route, testing); err != nil {
			logger.Error("analytics delivery failed", "error", err)
			delivered = false
		}
	}
	if route.InCRM {
		if err := r.sendCRM(ctx, ev.Raw, route, logger); err != nil {
			logger.Error("crm delivery failed", "module", route.CRMModule, "error", err)
			delivered = false
		}
	}

	logger.Debug("event routed", "analytics", route.InAnalytics, "crm", route.InCRM, "testing", testing, "delivered", delivered)
	return true, nil
}

func (r *MarketingRouter) sendAnalytics(ctx context.Context, doc map[string]any, route Route, testing bool) error {
	if r.analytics == nil {
		r.logger.Warn("route targets analytics but no client is configured", "path", route.Path)
		return nil
	}
	_, err := r.analytics.AddEvent(ctx, Project(doc, route.AnalyticsFields), testing)
	return err
}

func (r *MarketingRouter) sendCRM(ctx context.Context, doc map[string]any, route Route, logger *slog.Logger) error {
	if r.crm == nil {
		logger.Warn("route targets crm but no client is configured")
		return nil
	}
	code, err := r.crm.Upsert(ctx, route.CRMModule, Project(doc, route.CRMFields))
	if err != nil {
		return err
	}
	if code != codeSuccess {
		logger.Warn("crm did not accept record", "module", route.CRMModule, "code", code)
	}
	return nil
}

// attachClaims decodes the caller's token into request.headers.jwt and
// reports whether the caller runs outside production. Signatures are not
// verified; the claims only steer routing.
func (r *MarketingRouter) attachClaims(ev Event, logger *slog.Logger) bool {
	token := ev.BearerToken()
	if token == "" {
		return false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		logger.Debug("ignoring undecodable token", "error", err)
		return false
	}

	request, _ := ev.Raw["request"].(map[string]any)
	if request == nil {
		request = map[string]any{}
		ev.Raw["request"] = request
	}
	headers, _ := request["headers"].(map[string]any)
	if headers == nil {
		headers = map[string]any{}
		request["headers"] = headers
	}
	headers["jwt"] = map[string]any(claims)

	if !hasHeaderToken(ev) {
		return false
	}
	env, ok := claims[r.envClaim]
	return ok && fmt.Sprint(env) != r.production
}

// hasHeaderToken reports whether the token came from the request headers
// rather than a login response.
func hasHeaderToken(ev Event) bool {
	for _, name := range []string{"authorization", "Authorization"} {
		if v, ok := ev.Request.Headers[name].(string); ok && strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

// enrich stamps the response with the current date and stringifies status
// codes so projections emit them as text.
func (r *MarketingRouter) enrich(doc map[string]any) {
	if resp, ok := doc["response"].(map[string]any); ok {
		resp["current_date_and_time"] = r.now().Format(time.DateOnly)
		if status, ok := resp["status"]; ok && !isZero(status) {
			resp["status"] = fmt.Sprint(status)
		}
	}
	if errDoc, ok := doc["error"].(map[string]any); ok {
		if status, ok := errDoc["status"]; ok {
			errDoc["status"] = fmt.Sprint(status)
		}
	}
}

func isZero(v any) bool {
	switch v := v.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case bool:
		return !v
	case int64:
		return v == 0
	case uint64:
		return v == 0
	case float64:
		return v == 0
	case int:
		return v == 0
	}
	return false
}
