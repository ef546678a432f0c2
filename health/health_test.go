package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/eventworker/internal/rabbitmq"
)

type fixedChecker struct {
	name   string
	status Status
	delay  time.Duration
}

func (c fixedChecker) Name() string { return c.name }

func (c fixedChecker) Check(ctx context.Context) CheckResult {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
		}
	}
	return CheckResult{Name: c.name, Status: c.status}
}

type stateReporter struct {
	state rabbitmq.State
	queue string
}

func (s stateReporter) State() rabbitmq.State { return s.state }
func (s stateReporter) QueueName() string     { return s.queue }

func TestRegistryCheck(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"no checks", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			for i, s := range tt.statuses {
				reg.Register(fixedChecker{name: string(rune('a' + i)), status: s})
			}

			report := reg.Check(context.Background())

			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.statuses))
		})
	}

	t.Run("slow checks time out as unhealthy", func(t *testing.T) {
		reg := NewRegistry()
		reg.Register(fixedChecker{name: "fast", status: StatusHealthy})
		reg.Register(fixedChecker{name: "slow", status: StatusHealthy, delay: time.Second})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		report := reg.Check(ctx)

		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "check timed out", report.Checks["slow"].Message)
	})

	t.Run("metadata and names", func(t *testing.T) {
		reg := NewRegistry()
		reg.Register(fixedChecker{name: "b", status: StatusHealthy})
		reg.Register(fixedChecker{name: "a", status: StatusHealthy})
		reg.SetMetadata("version", "1.2.3")

		assert.Equal(t, []string{"a", "b"}, reg.Names())
		assert.Equal(t, "1.2.3", reg.Check(context.Background()).Metadata["version"])
	})
}

func TestConsumerChecker(t *testing.T) {
	tests := []struct {
		state rabbitmq.State
		want  Status
	}{
		{rabbitmq.Consuming, StatusHealthy},
		{rabbitmq.Connecting, StatusDegraded},
		{rabbitmq.Binding, StatusDegraded},
		{rabbitmq.Disconnected, StatusDegraded},
		{rabbitmq.Closing, StatusUnhealthy},
		{rabbitmq.Closed, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			res := NewConsumerChecker(stateReporter{state: tt.state, queue: "marketing"}).Check(context.Background())

			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, "consumer", res.Name)
			assert.Equal(t, tt.state.String(), res.Details["state"])
			assert.Equal(t, "marketing", res.Details["queue"])
		})
	}
}

func TestRuntimeChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewRuntimeChecker(0, 0).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewRuntimeChecker(1, 1_000_000).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewRuntimeChecker(0, 1).Check(context.Background()).Status)
}

func TestPingChecker(t *testing.T) {
	ok := NewPingChecker("registry", func(context.Context) error { return nil }).Check(context.Background())
	assert.Equal(t, StatusHealthy, ok.Status)

	failed := NewPingChecker("registry", func(context.Context) error { return errors.New("refused") }).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, failed.Status)
	assert.Equal(t, "refused", failed.Error)
	assert.Equal(t, "registry", failed.Name)
}

func TestHandlers(t *testing.T) {
	healthy := NewRegistry()
	healthy.Register(fixedChecker{name: "consumer", status: StatusHealthy})
	degraded := NewRegistry()
	degraded.Register(fixedChecker{name: "consumer", status: StatusDegraded})
	unhealthy := NewRegistry()
	unhealthy.Register(fixedChecker{name: "consumer", status: StatusUnhealthy})

	t.Run("report", func(t *testing.T) {
		for reg, code := range map[*Registry]int{
			healthy:   http.StatusOK,
			degraded:  http.StatusOK,
			unhealthy: http.StatusServiceUnavailable,
		} {
			rec := httptest.NewRecorder()
			NewMux(reg, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var report Report
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
			assert.Contains(t, report.Checks, "consumer")
		}
	})

	t.Run("report rejects other methods", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(healthy, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("readiness", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewMux(degraded, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ready", rec.Body.String())

		rec = httptest.NewRecorder()
		NewMux(unhealthy, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "not ready", rec.Body.String())
	})

	t.Run("liveness", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewMux(unhealthy, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alive", rec.Body.String())
	})
}
