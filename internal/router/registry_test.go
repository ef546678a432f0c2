package router

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRoute(t *testing.T) {
	t.Run("decodes flags fields and module", func(t *testing.T) {
		route, found, err := decodeRoute(routeRow{
			Path:         "/api/v1/login",
			EventLog:     []byte(`{"in_analytics":true,"in_crm":true}`),
			EventLogData: []byte(`{"analytics":{"event":"type"},"crm":{"Email":"request.body.email"}}`),
			CRMModule:    sql.NullString{String: "Leads", Valid: true},
		})

		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, Route{
			Path:            "/api/v1/login",
			InAnalytics:     true,
			InCRM:           true,
			CRMModule:       "Leads",
			AnalyticsFields: map[string]string{"event": "type"},
			CRMFields:       map[string]string{"Email": "request.body.email"},
		}, route)
	})

	t.Run("missing flags disable both destinations", func(t *testing.T) {
		route, found, err := decodeRoute(routeRow{
			Path:         "/a",
			EventLogData: []byte(`{"analytics":{"x":"y"}}`),
		})

		require.NoError(t, err)
		assert.True(t, found)
		assert.False(t, route.InAnalytics)
		assert.False(t, route.InCRM)
		assert.Empty(t, route.CRMModule)
	})

	t.Run("no field mappings behaves as missing", func(t *testing.T) {
		_, found, err := decodeRoute(routeRow{
			Path:         "/a",
			EventLog:     []byte(`{"in_analytics":true}`),
			EventLogData: []byte(`{}`),
		})

		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("malformed documents are errors", func(t *testing.T) {
		_, _, err := decodeRoute(routeRow{Path: "/a", EventLog: []byte(`{`)})
		assert.Error(t, err)

		_, _, err = decodeRoute(routeRow{Path: "/a", EventLogData: []byte(`[1]`)})
		assert.Error(t, err)
	})
}

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry(Route{Path: "/a", InCRM: true})
	reg.Put(Route{Path: "/b", InAnalytics: true})

	route, found, err := reg.Lookup(context.Background(), "/a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, route.InCRM)

	_, found, err = reg.Lookup(context.Background(), "/b")
	require.NoError(t, err)
	assert.True(t, found)

	_, found, err = reg.Lookup(context.Background(), "/missing")
	require.NoError(t, err)
	assert.False(t, found)
}

// TestPostgresRegistry runs against a real database when
// EVENTWORKER_TEST_DATABASE_URL is set.
func TestPostgresRegistry(t *testing.T) {
	dsn := os.Getenv("EVENTWORKER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("EVENTWORKER_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	reg, err := OpenPostgresRegistry(ctx, dsn)
	require.NoError(t, err)
	defer reg.Close()
	// Temporary tables live on one session.
	reg.db.SetMaxOpenConns(1)

	_, err = reg.db.ExecContext(ctx, `CREATE TEMP TABLE event_log_routes_registry (
		path text PRIMARY KEY,
		event_log jsonb,
		event_log_data jsonb,
		crm_module text
	)`)
	require.NoError(t, err)
	_, err = reg.db.ExecContext(ctx, `INSERT INTO event_log_routes_registry VALUES
		('/login', '{"in_crm":true}', '{"crm":{"Email":"request.body.email"}}', 'Leads')`)
	require.NoError(t, err)

	route, found, err := reg.Lookup(ctx, "/login")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, route.InCRM)
	assert.Equal(t, "Leads", route.CRMModule)

	_, found, err = reg.Lookup(ctx, "/missing")
	require.NoError(t, err)
	assert.False(t, found)
}
