package notifyrpc

import (
	"errors"
	"sync"
	"time"

	"relay/internal/observability"

	"github.com/cenkalti/backoff/v5"
)

// ErrBreakerOpen short-circuits calls while the upstream is considered down.
var ErrBreakerOpen = errors.New("notification service circuit open")

// failureThreshold consecutive failures trip the breaker.
const failureThreshold = 3

const (
	probeInitialDelay = 10 * time.Second
	probeMaxDelay     = 60 * time.Second
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateHalfOpen
	stateOpen
)

// Breaker guards the notification service connection. Closed counts
// consecutive failures; Open rejects everything until the probe deadline;
// HalfOpen admits a single probe whose outcome decides the next state.
type Breaker struct {
	mu       sync.Mutex
	state    breakerState
	failures int
	until    time.Time
	probe    *backoff.ExponentialBackOff

	upstream string
	now      func() time.Time
}

func NewBreaker(upstream string) *Breaker {
	probe := backoff.NewExponentialBackOff()
	probe.InitialInterval = probeInitialDelay
	probe.MaxInterval = probeMaxDelay
	probe.RandomizationFactor = 0
	b := &Breaker{
		probe:    probe,
		upstream: upstream,
		now:      time.Now,
	}
	b.publishState()
	return b
}

// Allow reports whether a call may proceed. Past the probe deadline the
// breaker moves to half-open and lets exactly one call through; concurrent
// callers are rejected until that probe reports back via Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return nil
	case stateHalfOpen:
		// A probe is already in flight.
		return ErrBreakerOpen
	default:
		if b.now().Before(b.until) {
			return ErrBreakerOpen
		}
		b.state = stateHalfOpen
		b.publishState()
		return nil
	}
}

// Record feeds a call outcome back into the state machine.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.state = stateClosed
		b.failures = 0
		b.probe.Reset()
		b.publishState()
		return
	}

	switch b.state {
	case stateHalfOpen:
		// Probe failed; back off further before the next one.
		b.trip()
	case stateClosed:
		b.failures++
		if b.failures >= failureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = stateOpen
	b.until = b.now().Add(b.probe.NextBackOff())
	b.publishState()
}

func (b *Breaker) publishState() {
	observability.BreakerState.WithLabelValues(b.upstream).Set(float64(b.state))
}
