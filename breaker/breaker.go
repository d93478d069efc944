// Package breaker guards each named external dependency with a circuit
// breaker. Breakers open after a run of consecutive failures, reject calls
// while open, and admit a single probe once the reset timeout elapses.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/chronicler-app/chronicler/events"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Recognized dependency names.
const (
	FastScraper = "fast_scraper"
	LLM         = "llm"
	Store       = "store"
)

// ErrOpen is returned when a breaker rejects a call without forwarding it.
var ErrOpen = errors.New("circuit breaker is open")

// Options tunes one breaker.
type Options struct {
	// ConsecutiveFailures opens the breaker once reached.
	ConsecutiveFailures uint32
	// ResetTimeout is the Open → Half-Open delay.
	ResetTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.ConsecutiveFailures == 0 {
		o.ConsecutiveFailures = 5
	}
	if o.ResetTimeout == 0 {
		o.ResetTimeout = time.Minute
	}
}

// State is a point-in-time view of one breaker, shaped for the dashboard.
type State struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    uint32    `json:"failures"`
	OpenedAt    time.Time `json:"opened_at,omitempty"`
	NextAttempt time.Time `json:"next_attempt,omitempty"`
}

// Breaker wraps one named gobreaker instance and publishes its transitions.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
	opts Options

	mu       sync.Mutex
	openedAt time.Time
}

// Set holds the breakers of every recognized dependency.
type Set struct {
	bus      *events.Bus
	mu       sync.Mutex
	breakers map[string]*Breaker
	opts     Options
}

// NewSet constructs breakers for the recognized dependencies.
func NewSet(bus *events.Bus, opts Options) *Set {
	opts.setDefaults()
	var s = &Set{bus: bus, breakers: make(map[string]*Breaker), opts: opts}
	for _, name := range []string{FastScraper, LLM, Store} {
		s.breakers[name] = s.newBreaker(name)
	}
	return s
}

func (s *Set) newBreaker(name string) *Breaker {
	var b = &Breaker{name: name, opts: s.opts}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // single Half-Open probe
		Timeout:     s.opts.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.opts.ConsecutiveFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.mu.Lock()
			if to == gobreaker.StateOpen {
				b.openedAt = time.Now().UTC()
			}
			b.mu.Unlock()

			log.WithFields(log.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Info("circuit breaker state change")
			s.bus.Publish(events.KindBreaker, map[string]string{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
	return b
}

// Get returns the named breaker, creating one for unrecognized names.
func (s *Set) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b, ok = s.breakers[name]
	if !ok {
		b = s.newBreaker(name)
		s.breakers[name] = b
	}
	return b
}

// Execute forwards |fn| through the named breaker.
func (s *Set) Execute(name string, fn func() error) error {
	return s.Get(name).Execute(fn)
}

// Snapshot returns the state of every breaker, for the push channel and the
// self-healing controller.
func (s *Set) Snapshot() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out = make([]State, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.State())
	}
	return out
}

// Execute forwards |fn| unless the breaker is open, in which case ErrOpen
// is returned without invoking it. A full retry sequence belongs inside one
// Execute; individual attempts are not independent breaker calls.
func (b *Breaker) Execute(fn func() error) error {
	var _, err = b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// State reports the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	var openedAt = b.openedAt
	b.mu.Unlock()

	var st = State{
		Name:     b.name,
		State:    b.cb.State().String(),
		Failures: b.cb.Counts().ConsecutiveFailures,
	}
	if b.cb.State() == gobreaker.StateOpen {
		st.OpenedAt = openedAt
		st.NextAttempt = openedAt.Add(b.opts.ResetTimeout)
	}
	return st
}

// StuckOpen reports whether the breaker is overdue a probe; the
// self-healing controller uses it to decide when to drive one. gobreaker
// flips to Half-Open on its own once the reset timeout elapses, so a
// breaker sitting in Half-Open means the probe slot is free but no caller
// has taken it.
func (b *Breaker) StuckOpen(now time.Time) bool {
	var st = b.State()
	switch st.State {
	case gobreaker.StateHalfOpen.String():
		return true
	case gobreaker.StateOpen.String():
		return !st.NextAttempt.IsZero() && now.After(st.NextAttempt)
	}
	return false
}

// Probe forwards one real dependency call through the breaker while it is
// due a Half-Open probe. The call's outcome decides the transition: success
// closes the breaker, failure reopens it with a fresh timer. The breaker
// must never be closed without the dependency answering, so |fn| is
// mandatory.
func (b *Breaker) Probe(fn func() error) error {
	if fn == nil {
		return errors.New("breaker probe requires a dependency call")
	}
	return b.Execute(fn)
}
