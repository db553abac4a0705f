package meter

import (
	"sync"
	"time"
)

const (
	// DefaultQuietWindow is the silence after the last message before a
	// burst is considered complete.
	DefaultQuietWindow = 10 * time.Millisecond
	// DefaultStaleTimeout is the silence after which all leaves are cleared.
	DefaultStaleTimeout = 30 * time.Second
	// DefaultTickInterval is the period at which Tick is expected to run.
	DefaultTickInterval = 10 * time.Millisecond
)

// Publisher receives every derived reading set, including the absent set.
type Publisher interface {
	Publish(Readings) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Readings) error

// Publish calls f(r).
func (f PublisherFunc) Publish(r Readings) error { return f(r) }

// Action reports what a Tick did.
type Action uint8

const (
	ActionNone Action = iota
	ActionCommit
	ActionExpire
)

func (a Action) String() string {
	switch a {
	case ActionCommit:
		return "commit"
	case ActionExpire:
		return "expire"
	default:
		return "none"
	}
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithQuietWindow overrides DefaultQuietWindow.
func WithQuietWindow(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.quiet = d
		}
	}
}

// WithStaleTimeout overrides DefaultStaleTimeout.
func WithStaleTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.stale = d
		}
	}
}

// Pipeline accumulates the latest readings and decides when to publish
// derived values or clear them.
type Pipeline struct {
	publisher Publisher
	quiet     time.Duration
	stale     time.Duration

	mu          sync.Mutex
	store       map[string]Value
	lastArrival time.Time
	arrived     bool
	dirty       bool
}

// NewPipeline returns a pipeline handing its results to publisher.
func NewPipeline(publisher Publisher, opts ...Option) *Pipeline {
	p := &Pipeline{
		publisher: publisher,
		quiet:     DefaultQuietWindow,
		stale:     DefaultStaleTimeout,
		store:     make(map[string]Value),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest decodes payload and stores it under subtopic.
func (p *Pipeline) Ingest(subtopic string, payload []byte, now time.Time) Value {
	value := Decode(payload)
	p.mu.Lock()
	p.store[subtopic] = value
	p.lastArrival = now
	p.arrived = true
	p.dirty = true
	p.mu.Unlock()
	return value
}

// Tick commits a completed burst or expires stale data.
//
// A derivation failure leaves the pending burst dirty, skips the publisher
// and is returned to the caller, which is expected to treat it as fatal.
func (p *Pipeline) Tick(now time.Time) (Action, error) {
	p.mu.Lock()
	if !p.arrived {
		p.mu.Unlock()
		return ActionNone, nil
	}
	switch {
	case p.dirty && now.After(p.lastArrival.Add(p.quiet)):
		readings, err := Derive(p.store)
		if err != nil {
			p.mu.Unlock()
			return ActionNone, err
		}
		p.dirty = false
		p.mu.Unlock()
		return ActionCommit, p.publish(readings)
	case now.After(p.lastArrival.Add(p.stale)):
		p.mu.Unlock()
		return ActionExpire, p.publish(Absent())
	default:
		p.mu.Unlock()
		return ActionNone, nil
	}
}

// LastArrival reports the time of the most recent Ingest.
func (p *Pipeline) LastArrival() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastArrival, p.arrived
}

// Reading returns the stored value for key.
func (p *Pipeline) Reading(key string) (Value, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.store[key]
	return v, ok
}

func (p *Pipeline) publish(r Readings) error {
	if p.publisher == nil {
		return nil
	}
	return p.publisher.Publish(r)
}
