// Package channel holds the channel type registry and the producer contract.
package channel

import (
	"context"
	"sort"
	"sync"

	"pushbot/internal/errs"
	logx "pushbot/pkg/logx"
)

// Registry is the in-memory table of channel types supplied by producers.
// It is created once at startup and passed to the stores, the push engine and
// the command layer.
type Registry struct {
	log logx.Logger

	mu    sync.RWMutex
	types map[string]Descriptor
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{log: log, types: map[string]Descriptor{}}
}

// Register stores d under d.ID. A later registration with the same id replaces the earlier one.
func (r *Registry) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	_, replaced := r.types[d.ID]
	r.types[d.ID] = d
	r.mu.Unlock()

	if replaced {
		r.log.Debug("channel type replaced", logx.String("type", d.ID))
	} else {
		r.log.Debug("channel type registered", logx.String("type", d.ID), logx.Int("templates", len(d.Templates)))
	}
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(channelType string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.types[channelType]
	return d, ok
}

// List returns all descriptors sorted by id.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.types))
	for _, d := range r.types {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ChannelInfo returns (nil, nil) when the type is unknown or the producer knows no such channel.
func (r *Registry) ChannelInfo(ctx context.Context, channelType, channelID string) (*Info, error) {
	d, ok := r.Get(channelType)
	if !ok {
		return nil, nil
	}
	return d.Producer.ChannelInfo(ctx, channelID)
}

// InitChannel runs the producer's init hook. Producers without one return (nil, nil).
func (r *Registry) InitChannel(ctx context.Context, channelType, channelID string) (*Info, error) {
	d, ok := r.Get(channelType)
	if !ok {
		return nil, errs.ChannelTypeNotFound(channelType)
	}
	return d.initChannel(ctx, channelID)
}

// CleanupChannel runs the producer's cleanup hook, if any.
func (r *Registry) CleanupChannel(ctx context.Context, channelType, channelID string) error {
	d, ok := r.Get(channelType)
	if !ok {
		return errs.ChannelTypeNotFound(channelType)
	}
	return d.cleanupChannel(ctx, channelID)
}
