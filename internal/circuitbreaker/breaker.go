// Package circuitbreaker tracks ledger endpoint failures and takes an
// endpoint out of rotation after consecutive failures.
package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the breaker state of one endpoint.
type State int

const (
	StateClosed   State = iota // endpoint in rotation
	StateOpen                  // endpoint skipped
	StateHalfOpen              // one trial call in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "custodian",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Endpoint breaker transitions by endpoint, from-state, and to-state.",
}, []string{"endpoint", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker holds one circuit per endpoint name.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	now          func() time.Time
	onTransition func(endpoint string, from, to State)
}

// New returns a breaker that opens an endpoint after threshold consecutive
// failures and lets one trial call through once openDuration has passed.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// OnTransition registers a callback fired asynchronously on state changes.
func (b *Breaker) OnTransition(fn func(endpoint string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a request may be sent to endpoint. An open circuit
// whose cool-down elapsed moves to half-open and admits a single trial call.
func (b *Breaker) Allow(endpoint string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[endpoint]
	if !ok {
		return true
	}
	switch e.state {
	case StateOpen:
		if b.now().Sub(e.lastFailure) >= b.openDuration {
			b.transition(e, endpoint, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess closes a half-open circuit and clears the failure count.
func (b *Breaker) RecordSuccess(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[endpoint]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, endpoint, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts a failure and opens the circuit at the threshold.
// A failed trial call reopens immediately.
func (b *Breaker) RecordFailure(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[endpoint]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[endpoint] = e
	}
	e.failures++
	e.lastFailure = b.now()

	switch {
	case e.state == StateHalfOpen:
		b.transition(e, endpoint, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.transition(e, endpoint, StateOpen)
	}
}

// State returns the state for endpoint; unknown endpoints are closed.
func (b *Breaker) State(endpoint string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[endpoint]; ok {
		return e.state
	}
	return StateClosed
}

// Snapshot returns the non-closed endpoints and their states, sorted by name.
func (b *Breaker) Snapshot() []EndpointState {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]EndpointState, 0, len(b.entries))
	for name, e := range b.entries {
		if e.state == StateClosed {
			continue
		}
		out = append(out, EndpointState{Endpoint: name, State: e.state, Failures: e.failures})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// EndpointState is one row of Snapshot.
type EndpointState struct {
	Endpoint string
	State    State
	Failures int
}

// caller holds b.mu
func (b *Breaker) transition(e *entry, endpoint string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	stateTransitions.WithLabelValues(endpoint, from.String(), to.String()).Inc()
	if fn := b.onTransition; fn != nil {
		go fn(endpoint, from, to)
	}
}
