package control

import (
	"sync"
	"time"
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Transition describes the effect of one recorded outcome on a Breaker.
type Transition struct {
	From, To State
	// Class is the error class that tripped the breaker, when To is Open.
	Class string
}

// Changed reports whether the breaker moved between states.
func (t Transition) Changed() bool { return t.From != t.To }

// Breaker stops calls to the completion collaborator after Threshold
// consecutive failures of the same error class, and lets a single probe
// through once Cooldown has elapsed. Safe for concurrent use.
type Breaker struct {
	threshold int
	cooldown  time.Duration

	mu        sync.Mutex
	state     State
	streak    map[string]int
	openedAt  time.Time
	trippedBy string
	probing   bool
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     Closed,
		streak:    map[string]int{},
	}
}

func (b *Breaker) Threshold() int          { return b.threshold }
func (b *Breaker) Cooldown() time.Duration { return b.cooldown }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may go out at now. While open it returns the
// error class that tripped the breaker. Only one half-open probe is let
// through at a time.
func (b *Breaker) Allow(now time.Time) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true, ""
	case Open:
		if now.Sub(b.openedAt) < b.cooldown {
			return false, b.trippedBy
		}
		b.state = HalfOpen
		b.probing = true
		return true, ""
	default:
		if b.probing {
			return false, b.trippedBy
		}
		b.probing = true
		return true, ""
	}
}

// Success records a successful call.
func (b *Breaker) Success() Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	tr := Transition{From: b.state, To: Closed}
	b.state = Closed
	b.trippedBy = ""
	b.probing = false
	clear(b.streak)
	return tr
}

// Failure records a failed call of the given error class.
func (b *Breaker) Failure(class string, now time.Time) Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	if class == "" {
		class = "unknown"
	}
	tr := Transition{From: b.state, To: b.state}
	b.streak[class]++
	if b.state == HalfOpen || b.streak[class] >= b.threshold {
		b.trip(class, now)
		tr.To, tr.Class = Open, class
	}
	return tr
}

func (b *Breaker) trip(class string, now time.Time) {
	b.state = Open
	b.openedAt = now
	b.trippedBy = class
	b.probing = false
}
