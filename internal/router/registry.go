package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Route says where events logged for one API path are forwarded.
type Route struct {
	Path        string
	InAnalytics bool
	InCRM       bool
	CRMModule   string
	// AnalyticsFields and CRMFields map outbound fields to dotted event paths.
	AnalyticsFields map[string]string
	CRMFields       map[string]string
}

// Registry resolves API paths to routes.
type Registry interface {
	Lookup(ctx context.Context, path string) (Route, bool, error)
}

// MemoryRegistry is a Registry backed by a map.
type MemoryRegistry struct {
	mu     sync.RWMutex
	routes map[string]Route
}

// NewMemoryRegistry creates a registry holding routes.
func NewMemoryRegistry(routes ...Route) *MemoryRegistry {
	r := &MemoryRegistry{routes: make(map[string]Route, len(routes))}
	for _, route := range routes {
		r.routes[route.Path] = route
	}
	return r
}

// Put adds or replaces a route.
func (r *MemoryRegistry) Put(route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[route.Path] = route
}

// Lookup implements Registry.
func (r *MemoryRegistry) Lookup(_ context.Context, path string) (Route, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[path]
	return route, ok, nil
}

const routeQuery = `SELECT path, event_log, event_log_data, crm_module
FROM event_log_routes_registry WHERE path = $1 LIMIT 1`

type routeRow struct {
	Path         string         `db:"path"`
	EventLog     []byte         `db:"event_log"`
	EventLogData []byte         `db:"event_log_data"`
	CRMModule    sql.NullString `db:"crm_module"`
}

type eventLogFlags struct {
	InAnalytics bool `json:"in_analytics"`
	InCRM       bool `json:"in_crm"`
}

type eventLogData struct {
	Analytics map[string]string `json:"analytics"`
	CRM       map[string]string `json:"crm"`
}

// PostgresRegistry reads routes from the event_log_routes_registry table.
type PostgresRegistry struct {
	db *sqlx.DB
}

// NewPostgresRegistry wraps an open database handle.
func NewPostgresRegistry(db *sqlx.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

// OpenPostgresRegistry connects to dsn and verifies the connection.
func OpenPostgresRegistry(ctx context.Context, dsn string) (*PostgresRegistry, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect route registry: %w", err)
	}
	return NewPostgresRegistry(db), nil
}

// Ping verifies the database is reachable.
func (r *PostgresRegistry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the underlying database handle.
func (r *PostgresRegistry) Close() error {
	return r.db.Close()
}

// Lookup implements Registry.
func (r *PostgresRegistry) Lookup(ctx context.Context, path string) (Route, bool, error) {
	var row routeRow
	if err := r.db.GetContext(ctx, &row, routeQuery, path); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Route{}, false, nil
		}
		return Route{}, false, fmt.Errorf("lookup route %q: %w", path, err)
	}

	return decodeRoute(row)
}

func decodeRoute(row routeRow) (Route, bool, error) {
	route := Route{Path: row.Path, CRMModule: row.CRMModule.String}

	var flags eventLogFlags
	if len(row.EventLog) > 0 {
		if err := json.Unmarshal(row.EventLog, &flags); err != nil {
			return Route{}, false, fmt.Errorf("decode event_log for %q: %w", row.Path, err)
		}
	}
	route.InAnalytics = flags.InAnalytics
	route.InCRM = flags.InCRM

	var data eventLogData
	if len(row.EventLogData) > 0 {
		if err := json.Unmarshal(row.EventLogData, &data); err != nil {
			return Route{}, false, fmt.Errorf("decode event_log_data for %q: %w", row.Path, err)
		}
	}
	route.AnalyticsFields = data.Analytics
	route.CRMFields = data.CRM

	// A route with nothing to project behaves like a missing route.
	if len(route.AnalyticsFields) == 0 && len(route.CRMFields) == 0 {
		return Route{}, false, nil
	}
	return route, true, nil
}
