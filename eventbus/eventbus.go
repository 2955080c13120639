// Package eventbus implements the typed pub/sub bus from spec.md §4.12:
// listeners keyed by an event kind, plus an "all" channel that sees every
// emitted event, synchronous delivery with per-listener panic isolation.
// Grounded on the shape of other_examples' thushan-olla eventbus.go
// (kind-keyed listener registry, emit constructs an envelope and fans out,
// unsubscribe closures), deliberately diverging from that source's
// xsync.Map + async worker-pool delivery: spec.md §5 requires every
// listener to observe the event before emit returns, which rules out
// dropping/async delivery.
package eventbus

import (
	"sync"
	"time"
)

// Kind identifies an event category (e.g. "WEBSOCKET_CONNECTED",
// "LIVE_BLOCK_RECEIVED"); kept as a plain string rather than a closed enum
// so adapter-level code can introduce new kinds without touching this
// package.
type Kind string

// Event is the envelope delivered to every listener.
type Event struct {
	Type      Kind
	ChainID   int64
	Timestamp time.Time
	Data      any
}

// Listener receives delivered events. Panics inside a Listener are caught
// and swallowed so one bad subscriber never interrupts delivery to the
// rest.
type Listener func(Event)

// Unsubscribe removes a previously registered listener. Safe to call more
// than once.
type Unsubscribe func()

type subscription struct {
	id       uint64
	listener Listener
}

// Bus is a typed, synchronous, panic-isolated pub/sub dispatcher.
type Bus struct {
	mu      sync.RWMutex
	nextID  uint64
	byKind  map[Kind][]*subscription
	all     []*subscription
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{byKind: make(map[Kind][]*subscription)}
}

// On registers listener for kind and returns a closure that removes it.
func (b *Bus) On(kind Kind, listener Listener) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, listener: listener}
	b.byKind[kind] = append(b.byKind[kind], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.byKind[kind] = removeSub(b.byKind[kind], sub.id)
		})
	}
}

// OnAll registers listener against every emitted event, regardless of
// kind.
func (b *Bus) OnAll(listener Listener) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, listener: listener}
	b.all = append(b.all, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.all = removeSub(b.all, sub.id)
		})
	}
}

func removeSub(subs []*subscription, id uint64) []*subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Emit constructs an Event and delivers it synchronously to every listener
// registered for kind plus every "all" listener; Emit does not return
// until all of them have run. A panicking listener is recovered and
// skipped, never interrupting delivery to the rest.
func (b *Bus) Emit(kind Kind, chainID int64, data any) {
	evt := Event{Type: kind, ChainID: chainID, Timestamp: time.Now().UTC(), Data: data}

	b.mu.RLock()
	kindListeners := append([]*subscription(nil), b.byKind[kind]...)
	allListeners := append([]*subscription(nil), b.all...)
	b.mu.RUnlock()

	for _, s := range kindListeners {
		deliver(s.listener, evt)
	}
	for _, s := range allListeners {
		deliver(s.listener, evt)
	}
}

func deliver(l Listener, evt Event) {
	defer func() { _ = recover() }()
	l(evt)
}

// RemoveAllListeners clears every registration, kind-specific and "all".
func (b *Bus) RemoveAllListeners() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byKind = make(map[Kind][]*subscription)
	b.all = nil
}
