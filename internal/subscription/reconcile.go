package subscription

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"pushbot/internal/channel"
	"pushbot/internal/eventbus"
	logx "pushbot/pkg/logx"
)

// Report lists what a reconciliation pass did, by channel path.
type Report struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	// Skipped paths belong to channel types that are not registered.
	Skipped []string `json:"skipped,omitempty"`
	Failed  []string `json:"failed,omitempty"`
}

// Plan computes the reconciliation diff without calling any producer.
// added = live channels missing from the ledger, removed = ledger entries
// without a live subscriber.
func (s *Store) Plan() (added, removed []string) {
	current := s.Channels()
	ledger := s.Ledger()
	for _, p := range current {
		if _, found := slices.BinarySearch(ledger, p); !found {
			added = append(added, p)
		}
	}
	for _, p := range ledger {
		if _, found := slices.BinarySearch(current, p); !found {
			removed = append(removed, p)
		}
	}
	return added, removed
}

// Reconcile repairs drift between the subscription document and the
// producer-side resources recorded in the ledger. It runs once after Load.
//
// Producers see InitChannel for every added path and CleanupChannel for every
// removed one. Hook failures are reported, not fatal. Afterwards the ledger
// holds every live channel that is initialized, plus removals skipped for
// unregistered types, and is flushed.
func (s *Store) Reconcile(ctx context.Context) (Report, error) {
	added, removed := s.Plan()
	var rep Report

	for _, path := range added {
		switch err := s.reconcileOne(ctx, path, true); {
		case errors.Is(err, errSkipped):
			rep.Skipped = append(rep.Skipped, path)
		case err != nil:
			s.log.Warn("reconcile init failed", logx.String("path", path), logx.Err(err))
			rep.Failed = append(rep.Failed, path)
		default:
			rep.Added = append(rep.Added, path)
		}
	}
	for _, path := range removed {
		switch err := s.reconcileOne(ctx, path, false); {
		case errors.Is(err, errSkipped):
			rep.Skipped = append(rep.Skipped, path)
		case err != nil:
			s.log.Warn("reconcile cleanup failed", logx.String("path", path), logx.Err(err))
			rep.Failed = append(rep.Failed, path)
		default:
			rep.Removed = append(rep.Removed, path)
		}
	}

	// Additions that were skipped or failed stay out of the ledger so the
	// next pass initializes them. Skipped removals stay in it until their
	// producer is back.
	next := s.Channels()
	for _, p := range append(slices.Clone(rep.Skipped), rep.Failed...) {
		if slices.Contains(added, p) {
			next = slices.DeleteFunc(next, func(q string) bool { return q == p })
		}
	}
	for _, p := range rep.Skipped {
		if slices.Contains(removed, p) {
			next = append(next, p)
		}
	}
	slices.Sort(next)
	s.ledger.Update(func(v *[]string) bool {
		if slices.Equal(*v, next) {
			return false
		}
		*v = next
		return true
	})

	s.log.Info("reconciliation done",
		logx.Int("added", len(rep.Added)),
		logx.Int("removed", len(rep.Removed)),
		logx.Int("skipped", len(rep.Skipped)),
		logx.Int("failed", len(rep.Failed)),
	)
	s.publish(eventbus.KindReconcile, eventbus.ReconcileEvent{
		Added:   rep.Added,
		Removed: rep.Removed,
		Failed:  rep.Failed,
	})

	if err := s.ledger.Flush(ctx); err != nil {
		return rep, fmt.Errorf("flush ledger: %w", err)
	}
	return rep, nil
}

var errSkipped = errors.New("channel type not registered")

func (s *Store) reconcileOne(ctx context.Context, path string, create bool) error {
	typ, id, ok := channel.SplitPath(path)
	if !ok {
		s.log.Warn("reconcile: malformed ledger path", logx.String("path", path))
		return errSkipped
	}
	if _, ok := s.reg.Get(typ); !ok {
		s.log.Warn("reconcile: unknown channel type", logx.String("path", path))
		return errSkipped
	}

	s.locks.Lock(path)
	defer s.locks.Unlock(path)
	if create {
		_, err := s.reg.InitChannel(ctx, typ, id)
		return err
	}
	return s.reg.CleanupChannel(ctx, typ, id)
}

// Warm calls InitChannel again for every live channel of the given types.
// Producers that keep their channel state in memory use it to rebuild that
// state after a restart; reconciliation alone only repairs the diff.
func (s *Store) Warm(ctx context.Context, types ...string) (warmed, failed []string) {
	for _, path := range s.Channels() {
		typ, _, _ := channel.SplitPath(path)
		if !slices.Contains(types, typ) {
			continue
		}
		switch err := s.reconcileOne(ctx, path, true); {
		case errors.Is(err, errSkipped):
		case err != nil:
			s.log.Warn("warm init failed", logx.String("path", path), logx.Err(err))
			failed = append(failed, path)
		default:
			warmed = append(warmed, path)
		}
	}
	if len(warmed)+len(failed) > 0 {
		s.log.Info("channels warmed", logx.Int("ok", len(warmed)), logx.Int("failed", len(failed)))
	}
	return warmed, failed
}
