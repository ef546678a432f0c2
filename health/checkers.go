package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/eventworker/internal/rabbitmq"
)

// StateReporter exposes the connection manager's current state.
type StateReporter interface {
	State() rabbitmq.State
	QueueName() string
}

// ConsumerChecker is healthy while the manager is consuming. Reconnecting
// counts as degraded; a closed manager is unhealthy.
type ConsumerChecker struct {
	manager StateReporter
}

// NewConsumerChecker creates a checker over manager.
func NewConsumerChecker(manager StateReporter) *ConsumerChecker {
	return &ConsumerChecker{manager: manager}
}

func (c *ConsumerChecker) Name() string {
	return "consumer"
}

func (c *ConsumerChecker) Check(context.Context) CheckResult {
	start := time.Now()
	state := c.manager.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"state": state.String(),
			"queue": c.manager.QueueName(),
		},
	}

	switch state {
	case rabbitmq.Consuming:
		result.Status = StatusHealthy
		result.Message = "consuming"
	case rabbitmq.Closing, rabbitmq.Closed:
		result.Status = StatusUnhealthy
		result.Message = "consumer stopped"
	default:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("reconnecting (%s)", state)
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker flags goroutine build-up, which for this worker means
// routed messages are piling up behind a slow destination.
type RuntimeChecker struct {
	degradedAt  int
	unhealthyAt int
}

// NewRuntimeChecker creates a checker with goroutine thresholds.
func NewRuntimeChecker(degradedAt, unhealthyAt int) *RuntimeChecker {
	return &RuntimeChecker{degradedAt: degradedAt, unhealthyAt: unhealthyAt}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(context.Context) CheckResult {
	start := time.Now()
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"goroutines":    goroutines,
			"heap_alloc_mb": float64(m.HeapAlloc) / 1024 / 1024,
			"gc_runs":       m.NumGC,
		},
	}

	switch {
	case c.unhealthyAt > 0 && goroutines > c.unhealthyAt:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case c.degradedAt > 0 && goroutines > c.degradedAt:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "normal"
	}

	result.Duration = time.Since(start)
	return result
}

// PingChecker wraps a dependency probe such as a database ping.
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingChecker creates a checker that is unhealthy while ping fails.
func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Timestamp: start, Status: StatusHealthy, Message: "reachable"}
	if err := c.ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "unreachable"
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	result.Details = map[string]any{"response_time_ms": result.Duration.Milliseconds()}
	return result
}
