package store

import (
	"context"
	"log/slog"
	"slices"

	"github.com/earlyshield/dashboard/internal/domain"
)

// AddSignal creates a signal through the gateway, prepends the server's copy
// to the local collection (newest first) and then replaces Stats with the
// authoritative value.
//
// If creation fails the collection is untouched and the gateway error is
// returned. If creation succeeds but the stats refresh fails, the new signal
// is kept and a *StaleStatsError is returned alongside it.
func (s *Store) AddSignal(ctx context.Context, draft domain.SignalDraft) (domain.Signal, error) {
	const op = "add signal"

	cctx, cancel := s.bound(ctx)
	created, err := s.gw.CreateSignal(cctx, draft)
	cancel()
	if err != nil {
		s.fail(ctx, op, draft.Title, err)
		return domain.Signal{}, err
	}

	s.mu.Lock()
	next := make([]domain.Signal, 0, len(s.signals)+1)
	next = append(next, created)
	next = append(next, s.signals...)
	s.signals = next
	s.clearErrorLocked()
	s.publishLocked()
	s.mu.Unlock()

	s.record(ctx, op, created.ID, nil)
	return created, s.reconcileStats(ctx, op)
}

// SetSignalStatus transitions signal id through the gateway and replaces the
// matching local entry in place; the order of the collection never changes.
// A signal the store does not hold is not inserted. Stats are refreshed
// afterwards exactly as for AddSignal.
func (s *Store) SetSignalStatus(ctx context.Context, id string, status domain.SignalStatus) (domain.Signal, error) {
	const op = "set signal status"

	cctx, cancel := s.bound(ctx)
	updated, err := s.gw.UpdateSignalStatus(cctx, id, status)
	cancel()
	if err != nil {
		s.fail(ctx, op, id, err)
		return domain.Signal{}, err
	}

	s.mu.Lock()
	if i := slices.IndexFunc(s.signals, func(sig domain.Signal) bool { return sig.ID == id }); i >= 0 {
		next := slices.Clone(s.signals)
		next[i] = updated
		s.signals = next
	} else {
		s.logger.Debug("store: status update for signal not held locally", slog.String("id", id))
	}
	s.clearErrorLocked()
	s.publishLocked()
	s.mu.Unlock()

	s.record(ctx, op, id+"="+string(status), nil)
	return updated, s.reconcileStats(ctx, op)
}
