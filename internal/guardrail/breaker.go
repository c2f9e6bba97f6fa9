package guardrail

import (
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/taskpilot/taskpilot/internal/config"
)

// TripFunc is called when the breaker opens, with the configured action and
// the stagnation reason that tripped it.
type TripFunc func(action config.BreakerAction, reason string)

// Breaker halts execution when stagnation evidence accumulates.
//
// States: CLOSED (normal) -> OPEN when the configured number of consecutive
// stagnant iterations is reached (the configured action runs once on the
// transition) -> HALF_OPEN after the cooldown, admitting exactly one trial
// iteration -> CLOSED on progress, or back to OPEN on repeat stagnation.
type Breaker struct {
	action   config.BreakerAction
	onTrip   TripFunc
	window   int
	cooldown time.Duration

	mu         sync.Mutex
	cb         *gobreaker.TwoStepCircuitBreaker
	lastReason string
}

// NewBreaker creates a circuit breaker from the guardrail configuration.
// onTrip may be nil; transitions are always logged.
func NewBreaker(cfg config.GuardrailConfig, onTrip TripFunc) *Breaker {
	window := cfg.StagnationWindow
	if window <= 0 {
		window = 3
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}

	b := &Breaker{
		action:   cfg.BreakerAction,
		onTrip:   onTrip,
		window:   window,
		cooldown: cooldown,
	}
	b.cb = b.newCircuit()
	return b
}

func (b *Breaker) newCircuit() *gobreaker.TwoStepCircuitBreaker {
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "stagnation",
		MaxRequests: 1, // one trial iteration in half-open
		Interval:    0, // never clear counts on a timer; progress clears them
		Timeout:     b.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(b.window)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("circuit breaker: %s -> %s", from, to)
			if to == gobreaker.StateOpen {
				b.trip()
			}
		},
	})
}

// Allow admits one iteration. The returned done func must be called with
// progress=true when the iteration made verifiable progress, false when it
// stagnated. ErrOpenState means the breaker is open and the iteration must
// not run.
func (b *Breaker) Allow() (done func(progress bool), err error) {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()
	return cb.Allow()
}

// Reset discards accumulated stagnation evidence and closes the breaker.
// Called when the stagnating task is parked, so its evidence does not block
// the tasks that follow it.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cb = b.newCircuit()
	b.lastReason = ""
}

// NoteStagnation records the reason for the most recent stagnant iteration,
// so the trip handler can report what kind of stagnation opened the breaker.
func (b *Breaker) NoteStagnation(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastReason = reason
}

// State returns the current breaker state name: "closed", "half-open", or "open".
func (b *Breaker) State() string {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()
	switch cb.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "open"
	}
}

// Action returns the configured open-state action.
func (b *Breaker) Action() config.BreakerAction { return b.action }

func (b *Breaker) trip() {
	b.mu.Lock()
	reason := b.lastReason
	b.mu.Unlock()

	log.Printf("circuit breaker opened (action=%s, reason=%s)", b.action, reason)
	if b.onTrip != nil {
		b.onTrip(b.action, reason)
	}
}
