// Package subscription keeps the durable channel -> chat subscriber lists,
// the created-channel ledger and the startup reconciliation between them.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/moby/locker"

	"pushbot/internal/channel"
	"pushbot/internal/chatid"
	"pushbot/internal/errs"
	"pushbot/internal/eventbus"
	"pushbot/internal/storage"
	"pushbot/internal/storage/writeback"
	logx "pushbot/pkg/logx"
)

// Document is the persisted form: channelType -> channelID -> identity strings
// in subscription order.
type Document map[string]map[string][]string

// Ref names one channel a chat is subscribed to.
type Ref struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r Ref) Path() string { return channel.Path(r.Type, r.ID) }

type Store struct {
	log logx.Logger
	reg *channel.Registry
	bus eventbus.Publisher

	// at most one lifecycle section (init/cleanup + index mutation) per channel path
	locks *locker.Locker

	subs   *writeback.Doc[Document]
	ledger *writeback.Doc[[]string]

	mu      sync.RWMutex
	reverse map[string][]Ref
}

// New wires a store over st. flushDelay is the write-behind delay of the
// subscription document (0 uses the writeback default).
func New(st storage.Store, reg *channel.Registry, bus eventbus.Publisher, flushDelay time.Duration, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "subscription"))
	return &Store{
		log:     log,
		reg:     reg,
		bus:     bus,
		locks:   locker.New(),
		subs:    writeback.New(st, storage.DocSubscriptions, Document{}, flushDelay, log),
		ledger:  writeback.New(st, storage.DocCreatedChannels, []string{}, flushDelay, log),
		reverse: map[string][]Ref{},
	}
}

// Load reads both documents and rebuilds the reverse index.
func (s *Store) Load(ctx context.Context) error {
	if _, err := s.subs.Load(ctx); err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	if _, err := s.ledger.Load(ctx); err != nil {
		return fmt.Errorf("load created channels: %w", err)
	}

	reverse := map[string][]Ref{}
	pairs := 0
	s.subs.Update(func(doc *Document) bool {
		if *doc == nil {
			*doc = Document{}
		}
		changed := false
		for typ, ids := range *doc {
			for id, targets := range ids {
				if len(targets) == 0 {
					// a hand-edited file may leave empty lists behind
					delete(ids, id)
					changed = true
					continue
				}
				pairs++
				for _, target := range targets {
					reverse[target] = append(reverse[target], Ref{Type: typ, ID: id})
				}
			}
			if len(ids) == 0 {
				delete(*doc, typ)
				changed = true
			}
		}
		return changed
	})

	s.mu.Lock()
	s.reverse = reverse
	s.mu.Unlock()

	s.log.Info("subscriptions loaded", logx.Int("channels", pairs), logx.Int("targets", len(reverse)))
	return nil
}

// Subscribe adds identity to the subscriber list of channelType/channelID.
// Duplicates are kept: subscribing twice yields two entries.
func (s *Store) Subscribe(ctx context.Context, channelType, channelID string, identity chatid.Identity) error {
	if _, ok := s.reg.Get(channelType); !ok {
		return errs.ChannelTypeNotFound(channelType)
	}
	if err := identity.Validate(); err != nil {
		return &errs.ParseError{Input: identity.String(), Reason: err.Error()}
	}
	path := channel.Path(channelType, channelID)
	target := identity.String()

	s.locks.Lock(path)
	defer s.locks.Unlock(path)

	info, err := s.reg.ChannelInfo(ctx, channelType, channelID)
	if err != nil {
		return fmt.Errorf("channel info %s: %w", path, err)
	}
	if info == nil {
		info, err = s.reg.InitChannel(ctx, channelType, channelID)
		if err != nil {
			return fmt.Errorf("init channel %s: %w", path, err)
		}
		if info == nil {
			return errs.ChannelNotFound(path)
		}
	}

	count := 0
	s.mu.Lock()
	s.reverse[target] = append(s.reverse[target], Ref{Type: channelType, ID: channelID})
	s.subs.Update(func(doc *Document) bool {
		ids := (*doc)[channelType]
		if ids == nil {
			ids = map[string][]string{}
			(*doc)[channelType] = ids
		}
		ids[channelID] = append(ids[channelID], target)
		count = len(ids[channelID])
		return true
	})
	s.mu.Unlock()

	// The ledger is written through so that it stays a superset of the
	// created resources even when the subscription document is lost.
	if s.ledgerAdd(path) {
		if err := s.ledger.Flush(ctx); err != nil {
			s.log.Warn("ledger flush failed", logx.String("path", path), logx.Err(err))
		}
	}

	s.log.Info("subscribed", logx.String("path", path), logx.String("target", target), logx.Int("count", count))
	s.publish(eventbus.KindSubscribe, eventbus.SubscriptionEvent{
		ChannelType: channelType,
		ChannelID:   channelID,
		Count:       count,
		Target:      target,
	})
	return nil
}

// Unsubscribe removes every entry of identity from channelType/channelID.
// Removing the last subscriber deletes the channel and runs the producer's
// cleanup hook. A channel the identity was never subscribed to is a no-op.
// A failed cleanup is logged and left to reconciliation; the removal stands.
func (s *Store) Unsubscribe(ctx context.Context, channelType, channelID string, identity chatid.Identity) error {
	path := channel.Path(channelType, channelID)
	target := identity.String()

	s.locks.Lock(path)
	defer s.locks.Unlock(path)

	removed := false
	count := 0
	s.mu.Lock()
	s.subs.Update(func(doc *Document) bool {
		ids := (*doc)[channelType]
		before := ids[channelID]
		if len(before) == 0 {
			return false
		}
		after := slices.DeleteFunc(slices.Clone(before), func(t string) bool { return t == target })
		if len(after) == len(before) {
			return false
		}
		removed = true
		count = len(after)
		if count == 0 {
			delete(ids, channelID)
			if len(ids) == 0 {
				delete(*doc, channelType)
			}
		} else {
			ids[channelID] = after
		}
		return true
	})
	if removed {
		refs := slices.DeleteFunc(s.reverse[target], func(r Ref) bool {
			return r.Type == channelType && r.ID == channelID
		})
		if len(refs) == 0 {
			delete(s.reverse, target)
		} else {
			s.reverse[target] = refs
		}
	}
	s.mu.Unlock()

	if !removed {
		return nil
	}

	if count == 0 {
		// persist before cleanup: after a crash the ledger still names the
		// path and reconciliation repeats the cleanup
		if err := s.subs.Flush(ctx); err != nil {
			s.log.Warn("subscription flush failed", logx.String("path", path), logx.Err(err))
		}
		// the subscriber is gone either way; on failure the ledger entry
		// stays so the next reconciliation retries the cleanup
		switch err := s.reg.CleanupChannel(ctx, channelType, channelID); {
		case err == nil:
			s.ledgerRemove(path)
		case errors.Is(err, errs.ErrNotFound):
			s.log.Warn("cleanup skipped, channel type not registered", logx.String("path", path))
		default:
			s.log.Warn("cleanup channel failed", logx.String("path", path), logx.Err(err))
		}
	}

	s.log.Info("unsubscribed", logx.String("path", path), logx.String("target", target), logx.Int("count", count))
	s.publish(eventbus.KindUnsubscribe, eventbus.SubscriptionEvent{
		ChannelType: channelType,
		ChannelID:   channelID,
		Count:       count,
		Target:      target,
	})
	return nil
}

func (s *Store) publish(kind eventbus.Kind, data any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(eventbus.Event{Kind: kind, Data: data}); err != nil {
		s.log.Warn("event publish failed", logx.String("kind", string(kind)), logx.Err(err))
	}
}

// Subscribers returns a copy of the subscriber list in subscription order.
func (s *Store) Subscribers(channelType, channelID string) []string {
	var out []string
	s.subs.View(func(doc Document) {
		out = slices.Clone(doc[channelType][channelID])
	})
	return out
}

func (s *Store) Count(channelType, channelID string) int {
	n := 0
	s.subs.View(func(doc Document) { n = len(doc[channelType][channelID]) })
	return n
}

// SubscriptionsOf returns the channels identity is subscribed to.
func (s *Store) SubscriptionsOf(identity chatid.Identity) []Ref {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.reverse[identity.String()])
}

// Channels returns the distinct paths with at least one subscriber, sorted.
// It is derived from the reverse index, never from the ledger.
func (s *Store) Channels() []string {
	s.mu.RLock()
	seen := map[string]struct{}{}
	for _, refs := range s.reverse {
		for _, r := range refs {
			seen[r.Path()] = struct{}{}
		}
	}
	s.mu.RUnlock()
	return sortedKeys(seen)
}

// Snapshot returns a deep copy of the subscription document.
func (s *Store) Snapshot() Document {
	out := Document{}
	s.subs.View(func(doc Document) {
		for typ, ids := range doc {
			m := make(map[string][]string, len(ids))
			for id, targets := range ids {
				m[id] = slices.Clone(targets)
			}
			out[typ] = m
		}
	})
	return out
}

// Ledger returns the created-channel paths, sorted.
func (s *Store) Ledger() []string {
	var out []string
	s.ledger.View(func(v []string) { out = slices.Clone(v) })
	sort.Strings(out)
	return out
}

func (s *Store) ledgerAdd(path string) bool {
	return s.ledger.Update(func(v *[]string) bool {
		if slices.Contains(*v, path) {
			return false
		}
		*v = append(*v, path)
		sort.Strings(*v)
		return true
	})
}

func (s *Store) ledgerRemove(path string) bool {
	return s.ledger.Update(func(v *[]string) bool {
		n := len(*v)
		*v = slices.DeleteFunc(*v, func(p string) bool { return p == path })
		return len(*v) != n
	})
}

// Flush writes both documents if they changed.
func (s *Store) Flush(ctx context.Context) error {
	return errors.Join(s.subs.Flush(ctx), s.ledger.Flush(ctx))
}

// Close stops pending writes and flushes.
func (s *Store) Close(ctx context.Context) error {
	return errors.Join(s.subs.Close(ctx), s.ledger.Close(ctx))
}

// Discard drops unflushed changes. Used by dry runs.
func (s *Store) Discard() {
	s.subs.Discard()
	s.ledger.Discard()
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
