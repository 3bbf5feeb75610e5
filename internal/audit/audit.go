// Package audit records engine events in the storage audit log.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"pushbot/internal/channel"
	"pushbot/internal/eventbus"
	"pushbot/internal/storage"
	logx "pushbot/pkg/logx"
)

// Appender is the audit side of storage.Store.
type Appender interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Entry maps an event to an audit entry. ok is false for events that are not recorded.
func Entry(e eventbus.Event) (storage.AuditEntry, bool) {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	a := storage.AuditEntry{At: at, Kind: string(e.Kind)}
	switch d := e.Data.(type) {
	case eventbus.SubscriptionEvent:
		a.ChannelType = d.ChannelType
		a.ChannelID = d.ChannelID
		a.Target = d.Target
		a.Count = d.Count
	case eventbus.PushEvent:
		a.ChannelType, a.ChannelID, _ = channel.SplitPath(d.Path)
		a.Count = d.Total
		a.OK = d.Success
		a.Fail = d.Failed
		a.MetaJSON = meta(map[string]string{"id": d.ID, "tag": d.Tag})
	case eventbus.ReconcileEvent:
		a.OK = len(d.Added) + len(d.Removed)
		a.Fail = len(d.Failed)
		a.MetaJSON = meta(d)
	default:
		return storage.AuditEntry{}, false
	}
	return a, true
}

func meta(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Consumer appends engine events to the audit log.
type Consumer struct {
	log    logx.Logger
	st     Appender
	events <-chan eventbus.Event
	unsub  func()
	done   chan struct{}
}

// New subscribes to bus right away, so events published before Run starts
// are buffered rather than lost.
func New(bus eventbus.Bus, st Appender, log logx.Logger) *Consumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	events, unsub := bus.Subscribe(256,
		eventbus.KindSubscribe,
		eventbus.KindUnsubscribe,
		eventbus.KindPush,
		eventbus.KindReconcile,
	)
	return &Consumer{
		log:    log.With(logx.String("comp", "audit")),
		st:     st,
		events: events,
		unsub:  unsub,
		done:   make(chan struct{}),
	}
}

// Run drains events until the bus closes. Cancelling ctx does not stop it:
// events still buffered at shutdown are written before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	defer close(c.done)
	defer c.unsub()
	ctx = context.WithoutCancel(ctx)
	for e := range c.events {
		c.append(ctx, e)
	}
	return nil
}

// Wait blocks until Run has returned or ctx ends.
func (c *Consumer) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) append(ctx context.Context, e eventbus.Event) {
	entry, keep := Entry(e)
	if !keep {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.st.AppendAudit(wctx, entry); err != nil {
		c.log.Warn("audit append failed", logx.String("kind", entry.Kind), logx.Err(err))
	}
}
