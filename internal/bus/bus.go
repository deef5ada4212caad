// Package bus implements the process-wide event-distribution substrate: a
// broadcast channel with per-subscriber fan-out, bounded ring buffers, and
// the wait_until predicate-subscription primitive used by both the plugin
// manager's init handshake and the HTTP bridge's two-phase wait.
//
// Topology (SPEC_FULL.md section 4.C): every Subscribe call installs an
// independent buffered channel; Publish fans the event out to every
// currently-registered subscriber with a non-blocking send. A lagging
// subscriber (its channel full) has the event dropped for it and its lag
// counter incremented — the producer is never blocked by a slow consumer.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kierandrewett/lyplayer-server/internal/apperr"
	"github.com/kierandrewett/lyplayer-server/internal/event"
	"github.com/kierandrewett/lyplayer-server/internal/logger"
)

// Capacity is the minimum ring size mandated by SPEC_FULL.md section 4.C.
const Capacity = 512

// Subscriber is a single registered receiver of every event published on
// the bus. Per-plugin target filtering, if any, happens in the reader, not
// here — the global bus itself delivers everything to everyone subscribed.
type Subscriber struct {
	id       uint64
	ch       chan event.Event
	lagCount atomic.Int64
}

// Events returns the channel this subscriber reads from.
func (s *Subscriber) Events() <-chan event.Event {
	return s.ch
}

// LagCount returns the number of events dropped for this subscriber
// because its channel was full when Publish attempted to deliver.
func (s *Subscriber) LagCount() int64 {
	return s.lagCount.Load()
}

// Bus is the global broadcast substrate.
type Bus struct {
	mu       sync.RWMutex
	subs     map[uint64]*Subscriber
	nextID   uint64
	closed   atomic.Bool
	capacity int
}

// New constructs a Bus with the given per-subscriber channel capacity. A
// capacity below Capacity is accepted: neither New nor registry.New
// enforces the SPEC_FULL.md minimum, so tests can use a smaller ring to
// exercise lag behavior deterministically.
func New(capacity int) *Bus {
	return &Bus{
		subs:     make(map[uint64]*Subscriber),
		capacity: capacity,
	}
}

// Subscribe installs a fresh subscriber and returns it. Callers that need
// the wait_until race-free guarantee must Subscribe (or NewWaiter) before
// performing the action whose resulting event they intend to observe.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscriber{id: b.nextID, ch: make(chan event.Event, b.capacity)}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub.id)
}

// Publish fans ev out to every current subscriber with a non-blocking
// send. Producers are never blocked: a subscriber whose channel is full
// simply has this event dropped, its lag counter bumped, and a log line
// emitted at warn level naming the running lag count.
func (b *Bus) Publish(ev event.Event) error {
	if b.closed.Load() {
		return apperr.BusClosedErr()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			n := sub.lagCount.Add(1)
			logger.Bus().Warn().
				Uint64("subscriber_id", sub.id).
				Int64("lag_count", n).
				Str("event_type", ev.Type).
				Msg("subscriber lagging, dropping event")
		}
	}
	return nil
}

// Close tears the bus down: further Publish calls fail with BusClosed, and
// every subscriber channel is closed so blocked readers wake with ok=false.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Waiter pairs a Subscriber with the bus it belongs to so Wait can clean
// up after itself. Constructed via NewWaiter, subscribed immediately so no
// event is missed between subscription and the caller's triggering action.
type Waiter struct {
	bus *Bus
	sub *Subscriber
}

// NewWaiter subscribes a fresh receiver immediately and returns a handle
// to wait on it later, after the caller performs whatever action it
// expects to produce the matching event.
func (b *Bus) NewWaiter() *Waiter {
	return &Waiter{bus: b, sub: b.Subscribe()}
}

// Wait awaits events, rejecting any for which predicate is false, until
// either one matches or timeout elapses. A predicate panic aborts the wait
// and returns (Event{}, false), matching SPEC_FULL.md section 4.C.
func (w *Waiter) Wait(ctx context.Context, predicate func(event.Event) bool, timeout time.Duration) (event.Event, bool) {
	defer w.bus.Unsubscribe(w.sub)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-w.sub.ch:
			if !ok {
				return event.Event{}, false
			}
			matched, aborted := evalPredicate(predicate, ev)
			if aborted {
				return event.Event{}, false
			}
			if matched {
				return ev, true
			}
		case <-timer.C:
			return event.Event{}, false
		case <-ctx.Done():
			return event.Event{}, false
		}
	}
}

// WaitUntil is the one-shot convenience form: subscribe, then wait. It
// does NOT give the race-free guarantee of NewWaiter+Wait (the caller's
// triggering action must happen strictly after subscription), so it
// should only be used when there is no such race to avoid — e.g. tests.
func (b *Bus) WaitUntil(ctx context.Context, predicate func(event.Event) bool, timeout time.Duration) (event.Event, bool) {
	return b.NewWaiter().Wait(ctx, predicate, timeout)
}

func evalPredicate(p func(event.Event) bool, e event.Event) (matched, aborted bool) {
	defer func() {
		if r := recover(); r != nil {
			aborted = true
			matched = false
		}
	}()
	matched = p(e)
	return
}
