package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Kind is the closed set of events the engine emits.
type Kind string

const (
	KindSubscribe   Kind = "channel/subscribe"
	KindUnsubscribe Kind = "channel/unsubscribe"
	KindPush        Kind = "channel/push"
	KindReconcile   Kind = "channel/reconcile"
)

var kinds = map[Kind]struct{}{
	KindSubscribe:   {},
	KindUnsubscribe: {},
	KindPush:        {},
	KindReconcile:   {},
}

func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

var (
	ErrUnknownKind = errors.New("eventbus: unknown event kind")
	ErrClosed      = errors.New("eventbus: closed")
)

// SubscriptionEvent is the payload of KindSubscribe and KindUnsubscribe.
type SubscriptionEvent struct {
	ChannelType string `json:"channel_type"`
	ChannelID   string `json:"channel_id"`
	Count       int    `json:"count"`
	Target      string `json:"target"`
}

// PushEvent is the payload of KindPush.
type PushEvent struct {
	ID      string `json:"id"`
	Path    string `json:"path"`
	Tag     string `json:"tag"`
	Total   int    `json:"total"`
	Success int    `json:"success"`
	Failed  int    `json:"failed"`
}

// ReconcileEvent is the payload of KindReconcile.
type ReconcileEvent struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Failed  []string `json:"failed,omitempty"`
}

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data holds one of the payload types above, matching Kind.
type Event struct {
	Kind Kind
	Time time.Time
	Data any
}

// Subscription returns the payload of a subscribe/unsubscribe event.
func (e Event) Subscription() (SubscriptionEvent, bool) {
	v, ok := e.Data.(SubscriptionEvent)
	return v, ok
}

// Push returns the payload of a push event.
func (e Event) Push() (PushEvent, bool) {
	v, ok := e.Data.(PushEvent)
	return v, ok
}

type Bus interface {
	Publish(e Event) error
	// Subscribe delivers events of the given kinds (all kinds when none are given).
	Subscribe(buffer int, kinds ...Kind) (ch <-chan Event, unsubscribe func())
	Close()
}

// Publisher is the narrow view most components need.
type Publisher interface {
	Publish(e Event) error
}

// New returns a simple in-memory fanout bus.
//
// It does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	kinds map[Kind]struct{}
}

type memBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*sub
	seq    atomic.Uint64
	closed atomic.Bool
}

func (b *memBus) Publish(e Event) error {
	if !e.Kind.Valid() {
		return ErrUnknownKind
	}
	if b.closed.Load() {
		return ErrClosed
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	targets := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		if len(s.kinds) > 0 {
			if _, ok := s.kinds[e.Kind]; !ok {
				continue
			}
		}
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		// A concurrent unsubscribe may close the channel; recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
			}
		}()
	}
	return nil
}

func (b *memBus) Subscribe(buffer int, kinds ...Kind) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			_, present := b.subs[id]
			delete(b.subs, id)
			b.mu.Unlock()
			if present {
				close(s.ch)
			}
		})
	}
	return s.ch, unsub
}

// Close rejects further publishes and closes every subscriber channel.
func (b *memBus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = map[uint64]*sub{}
	b.mu.Unlock()
	for _, s := range subs {
		close(s.ch)
	}
}
