package router

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ClientLimits bounds the load an outbound client puts on its API.
type ClientLimits struct {
	// RatePerSecond of requests; zero disables limiting.
	RatePerSecond float64
	Burst         int
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays open.
	ResetTimeout time.Duration
}

func (l ClientLimits) withDefaults() ClientLimits {
	if l.Burst <= 0 {
		l.Burst = 1
	}
	if l.FailureThreshold == 0 {
		l.FailureThreshold = 5
	}
	if l.ResetTimeout <= 0 {
		l.ResetTimeout = 30 * time.Second
	}
	return l
}

func newBreaker(name string, limits ClientLimits, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     limits.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= limits.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("client", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

func newLimiter(limits ClientLimits) *rate.Limiter {
	if limits.RatePerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, limits.Burst)
	}
	return rate.NewLimiter(rate.Limit(limits.RatePerSecond), limits.Burst)
}

// execute runs fn through cb. Rejections by the remote API count as successes
// for the breaker but are still returned to the caller.
func execute(cb *gobreaker.CircuitBreaker, fn func() error) error {
	var rejected error
	_, err := cb.Execute(func() (interface{}, error) {
		err := fn()
		var r *RejectedError
		if errors.As(err, &r) {
			rejected = err
			return nil, nil
		}
		return nil, err
	})
	if err != nil {
		return err
	}
	return rejected
}
