package adapters

import (
	"context"
	"errors"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/technosupport/ts-devicehub/internal/logging"
	"github.com/technosupport/ts-devicehub/internal/metrics"
)

type BreakerSettings struct {
	FailureThreshold uint32        // consecutive unreachable/timeout connects before opening
	OpenTimeout      time.Duration // time spent open before a half-open trial
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{FailureThreshold: 3, OpenTimeout: 30 * time.Second}
}

// Breakers holds one circuit breaker per device so a dead camera fails
// fast without affecting the others.
type Breakers struct {
	settings BreakerSettings

	mu sync.Mutex
	m  map[string]*gobreaker.CircuitBreaker[Handle]
}

func NewBreakers(s BreakerSettings) *Breakers {
	if s.FailureThreshold == 0 {
		s = DefaultBreakerSettings()
	}
	return &Breakers{settings: s, m: make(map[string]*gobreaker.CircuitBreaker[Handle])}
}

func (b *Breakers) get(deviceID string) *gobreaker.CircuitBreaker[Handle] {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.m[deviceID]
	if ok {
		return cb
	}
	cb = gobreaker.NewCircuitBreaker[Handle](gobreaker.Settings{
		Name:        deviceID,
		MaxRequests: 1,
		Timeout:     b.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.settings.FailureThreshold
		},
		// Only silence trips the breaker; auth and protocol faults answer fast anyway.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			kind, _ := KindOf(err)
			return kind != KindUnreachable && kind != KindTimeout
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("device_id", name).Str("from", from.String()).Str("to", to.String()).Msg("connect breaker state change")
			if to == gobreaker.StateOpen {
				metrics.BreakerState.WithLabelValues(name).Set(1)
			} else {
				metrics.BreakerState.WithLabelValues(name).Set(0)
			}
		},
	})
	b.m[deviceID] = cb
	return cb
}

// Execute runs fn through the device's breaker. An open breaker yields an
// unreachable AdapterError without calling fn.
func (b *Breakers) Execute(deviceID string, fn func() (Handle, error)) (Handle, error) {
	h, err := b.get(deviceID).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, NewError(KindUnreachable, "connect", deviceID, err)
	}
	return h, err
}

// State reports the breaker state name for a device ("closed" if unseen).
func (b *Breakers) State(deviceID string) string {
	b.mu.Lock()
	cb, ok := b.m[deviceID]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

// Forget drops the breaker of a removed device.
func (b *Breakers) Forget(deviceID string) {
	b.mu.Lock()
	delete(b.m, deviceID)
	b.mu.Unlock()
	metrics.BreakerState.DeleteLabelValues(deviceID)
}
