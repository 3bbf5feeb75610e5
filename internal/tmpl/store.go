// Package tmpl holds per-chat custom templates and the renderer used by the
// push engine.
package tmpl

import (
	"context"
	"maps"
	"time"

	"pushbot/internal/channel"
	"pushbot/internal/chatid"
	"pushbot/internal/storage"
	"pushbot/internal/storage/writeback"
	logx "pushbot/pkg/logx"
)

// Document is the persisted form: identity string -> channel path -> template text.
// A path with the wildcard id ("type/*") is the chat default for that type.
type Document map[string]map[string]string

// Store is independent of the subscription store: a chat may keep templates
// for channels it is not currently subscribed to.
type Store struct {
	log logx.Logger
	doc *writeback.Doc[Document]
}

func NewStore(st storage.Store, flushDelay time.Duration, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "tmpl"))
	return &Store{
		log: log,
		doc: writeback.New(st, storage.DocCustomTemplates, Document{}, flushDelay, log),
	}
}

func (s *Store) Load(ctx context.Context) error {
	if _, err := s.doc.Load(ctx); err != nil {
		return err
	}
	s.doc.Update(func(d *Document) bool {
		if *d == nil {
			*d = Document{}
		}
		return false
	})
	return nil
}

func key(channelType, channelID string) string {
	if channelID == "" {
		channelID = channel.Wildcard
	}
	return channel.Path(channelType, channelID)
}

// Set stores text for the chat. An empty channelID sets the chat default for the type.
func (s *Store) Set(identity chatid.Identity, channelType, channelID, text string) {
	target := identity.String()
	k := key(channelType, channelID)
	s.doc.Update(func(d *Document) bool {
		m := (*d)[target]
		if m == nil {
			m = map[string]string{}
			(*d)[target] = m
		}
		m[k] = text
		return true
	})
	s.log.Debug("custom template set", logx.String("target", target), logx.String("path", k))
}

// Get resolves the exact channel entry first, then the chat default for the type.
func (s *Store) Get(identity chatid.Identity, channelType, channelID string) (string, bool) {
	var (
		text string
		ok   bool
	)
	s.doc.View(func(d Document) {
		m := d[identity.String()]
		if m == nil {
			return
		}
		if text, ok = m[key(channelType, channelID)]; ok {
			return
		}
		text, ok = m[key(channelType, channel.Wildcard)]
	})
	return text, ok
}

// Remove deletes the exact entry and drops the chat's map once it is empty.
func (s *Store) Remove(identity chatid.Identity, channelType, channelID string) bool {
	target := identity.String()
	k := key(channelType, channelID)
	return s.doc.Update(func(d *Document) bool {
		m := (*d)[target]
		if _, ok := m[k]; !ok {
			return false
		}
		delete(m, k)
		if len(m) == 0 {
			delete(*d, target)
		}
		return true
	})
}

// List returns a copy of the chat's entries keyed by channel path.
func (s *Store) List(identity chatid.Identity) map[string]string {
	var out map[string]string
	s.doc.View(func(d Document) { out = maps.Clone(d[identity.String()]) })
	return out
}

// Targets reports how many chats have at least one custom template.
func (s *Store) Targets() int {
	n := 0
	s.doc.View(func(d Document) { n = len(d) })
	return n
}

func (s *Store) Flush(ctx context.Context) error { return s.doc.Flush(ctx) }

func (s *Store) Close(ctx context.Context) error { return s.doc.Close(ctx) }

func (s *Store) Discard() { s.doc.Discard() }
