// Package writeback keeps a storage document in memory and writes it behind
// the caller.
//
// Contract: Update changes the in-memory value synchronously and schedules a
// save after the configured delay. The latest value is written at least once
// after Flush returns nil, or after the delay elapses without a save error.
// A process that exits without Flush may lose the changes made since the last
// save.
package writeback

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"pushbot/internal/storage"
	logx "pushbot/pkg/logx"
)

const DefaultDelay = 2 * time.Second

type Doc[T any] struct {
	name  string
	store storage.Store
	log   logx.Logger
	delay time.Duration

	mu    sync.Mutex
	val   T
	dirty bool
	gen   uint64
	timer *time.Timer

	// serializes saves so an older snapshot never lands after a newer one
	saveMu sync.Mutex
}

// New returns a document holding initial until Load is called.
// delay <= 0 uses DefaultDelay.
func New[T any](store storage.Store, name string, initial T, delay time.Duration, log logx.Logger) *Doc[T] {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Doc[T]{
		name:  name,
		store: store,
		log:   log.With(logx.String("doc", name)),
		delay: delay,
		val:   initial,
	}
}

func (d *Doc[T]) Name() string { return d.name }

// Load replaces the in-memory value with the stored one.
// A missing document keeps the current value and reports false.
func (d *Doc[T]) Load(ctx context.Context) (bool, error) {
	var v T
	ok, err := d.store.LoadDocument(ctx, d.name, &v)
	if err != nil || !ok {
		return ok, err
	}
	d.mu.Lock()
	d.val = v
	d.dirty = false
	d.mu.Unlock()
	return true, nil
}

// View calls fn with the current value under the document lock.
// fn must not retain or mutate v.
func (d *Doc[T]) View(fn func(v T)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.val)
}

// Update mutates the value under the document lock and schedules a save
// when fn reports a change.
func (d *Doc[T]) Update(fn func(v *T) (changed bool)) bool {
	d.mu.Lock()
	changed := fn(&d.val)
	if changed {
		d.dirty = true
		d.gen++
		d.scheduleLocked()
	}
	d.mu.Unlock()
	return changed
}

func (d *Doc[T]) Dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

func (d *Doc[T]) scheduleLocked() {
	if d.timer != nil {
		return
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		d.timer = nil
		d.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.Flush(ctx); err != nil {
			d.log.Warn("write-behind save failed", logx.Err(err))
		}
	})
}

// Flush writes the current value if it changed since the last successful save.
func (d *Doc[T]) Flush(ctx context.Context) error {
	d.saveMu.Lock()
	defer d.saveMu.Unlock()

	d.mu.Lock()
	if !d.dirty {
		d.mu.Unlock()
		return nil
	}
	snap, err := clone(d.val)
	gen := d.gen
	d.mu.Unlock()
	if err != nil {
		return err
	}

	if err := d.store.SaveDocument(ctx, d.name, snap); err != nil {
		return err
	}

	d.mu.Lock()
	if d.gen == gen {
		d.dirty = false
	}
	d.mu.Unlock()
	d.log.Debug("document flushed")
	return nil
}

// Close stops the pending timer and flushes.
func (d *Doc[T]) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	return d.Flush(ctx)
}

// Discard stops the pending timer without saving. It models a crash in tests
// and backs the dry-run mode of the CLI.
func (d *Doc[T]) Discard() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.dirty = false
	d.mu.Unlock()
}

// clone deep-copies v so the store encodes a value no writer can touch.
func clone[T any](v T) (T, error) {
	var out T
	b, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(b, &out)
	return out, err
}
