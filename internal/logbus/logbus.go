// Package logbus fans log events out to dashboard subscribers. There is one
// producer (the daemon's logger) and any number of consumers, each with its
// own bounded buffer. When a consumer falls behind, its oldest buffered
// events are dropped; the producer never blocks.
package logbus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Level is the severity of a log event.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// MarshalJSON encodes the level as its name.
func (l Level) MarshalJSON() ([]byte, error) {
	return []byte(`"` + l.String() + `"`), nil
}

// ParseLevel maps a level name to a Level. Unknown names mean INFO so a
// bogus filter shows everything rather than nothing.
func ParseLevel(s string) Level {
	switch s {
	case "WARN", "warn":
		return LevelWarn
	case "ERROR", "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Event is one log line. Target is empty for global messages.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Target    string    `json:"target,omitempty"`
	Message   string    `json:"message"`
}

// Line renders the event the way it appears in the log file.
func (e Event) Line() string {
	if e.Target == "" {
		return fmt.Sprintf("%s %s %s", e.Timestamp.UTC().Format(time.RFC3339), e.Level, e.Message)
	}
	return fmt.Sprintf("%s %s [%s] %s", e.Timestamp.UTC().Format(time.RFC3339), e.Level, e.Target, e.Message)
}

const (
	// defaultBufferSize bounds each subscriber's channel.
	defaultBufferSize = 256
	// replayCapacity bounds the ring used to pre-seed new subscribers.
	replayCapacity = 500
)

// SubscribeOptions filter and size a subscription.
type SubscribeOptions struct {
	MinLevel Level  // events below this level are filtered out
	Target   string // if set, only events for this target (or global events)
	Tail     int    // number of buffered events to replay on subscribe
	Buffer   int    // channel capacity, defaultBufferSize if <= 0
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	id  uuid.UUID
	ch  chan Event
	bus *Bus
}

// Events returns the subscriber's channel. It is closed by Close or when
// the bus shuts down.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() { s.bus.unsubscribe(s.id) }

type subscriber struct {
	sub  *Subscription
	opts SubscribeOptions
}

// Bus is the fan-out event stream.
type Bus struct {
	mu      sync.Mutex
	subs    map[uuid.UUID]*subscriber
	replay  []Event
	closed  bool
	dropped atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[uuid.UUID]*subscriber)}
}

// Publish delivers ev to every matching subscriber and records it in the
// replay ring. Slow subscribers lose their oldest buffered event instead of
// blocking the producer.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.replay = append(b.replay, ev)
	if len(b.replay) > replayCapacity {
		b.replay = b.replay[len(b.replay)-replayCapacity:]
	}

	for _, s := range b.subs {
		if !matches(ev, s.opts) {
			continue
		}
		b.send(s.sub.ch, ev)
	}
}

// send performs a non-blocking send, dropping the oldest buffered event to
// make room when the channel is full.
func (b *Bus) send(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
		b.dropped.Add(1)
	default:
	}
	select {
	case ch <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Subscribe registers a new consumer, optionally pre-seeded with the last
// opts.Tail matching events.
func (b *Bus) Subscribe(opts SubscribeOptions) *Subscription {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBufferSize
	}
	if opts.Tail > opts.Buffer {
		opts.Tail = opts.Buffer
	}

	sub := &Subscription{
		id:  uuid.New(),
		ch:  make(chan Event, opts.Buffer),
		bus: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}

	if opts.Tail > 0 {
		seed := make([]Event, 0, opts.Tail)
		for i := len(b.replay) - 1; i >= 0 && len(seed) < opts.Tail; i-- {
			if matches(b.replay[i], opts) {
				seed = append(seed, b.replay[i])
			}
		}
		for i := len(seed) - 1; i >= 0; i-- {
			sub.ch <- seed[i]
		}
	}

	b.subs[sub.id] = &subscriber{sub: sub, opts: opts}
	return sub
}

func (b *Bus) unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.sub.ch)
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.sub.ch)
	}
}

// Dropped returns the total number of events discarded due to slow
// subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// matches applies a subscription's level and target filters. Global events
// (no target) always pass the target filter so subscribers still see
// scheduler-wide messages.
func matches(ev Event, opts SubscribeOptions) bool {
	if ev.Level < opts.MinLevel {
		return false
	}
	if opts.Target != "" && ev.Target != "" && ev.Target != opts.Target {
		return false
	}
	return true
}
