package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/earlyshield/dashboard/internal/domain"
)

// ErrStatsStale is matched (via errors.Is) by the error returned when a
// signal mutation succeeded but the follow-up stats refresh did not.
var ErrStatsStale = errors.New("stats not refreshed after mutation")

// StaleStatsError reports that the signal collection already reflects a
// successful mutation while Stats still holds the value from before it. The
// divergence lasts until the next successful stats refresh.
type StaleStatsError struct {
	// Op is the mutation that triggered the refresh.
	Op  string
	Err error
}

func (e *StaleStatsError) Error() string {
	return fmt.Sprintf("store: %s applied, stats refresh failed: %v", e.Op, e.Err)
}

func (e *StaleStatsError) Unwrap() []error { return []error{ErrStatsStale, e.Err} }

// authoritative normalises a server stats value before it replaces the local
// one. The health score is clamped at zero; nothing else is recomputed.
func authoritative(st domain.Stats) domain.Stats {
	st = st.Clone()
	if st.Trend == nil {
		st.Trend = []int{}
	}
	if st.HealthScore < 0 {
		st.HealthScore = 0
	}
	if st.ActiveSignals < 0 {
		st.ActiveSignals = 0
	}
	return st
}

// reconcileStats fetches the authoritative stats after a signal mutation and
// substitutes them wholesale. Health-score policy lives on the server; no
// local arithmetic is applied, and a confirmed server value always replaces
// the local one. Overlapping reconciles apply in completion order.
//
// On failure Stats is left untouched, KindStats is marked stale, the error
// slot is set and a *StaleStatsError is returned.
func (s *Store) reconcileStats(ctx context.Context, op string) error {
	cctx, cancel := s.bound(ctx)
	defer cancel()

	st, err := s.gw.GetStats(cctx)
	if err != nil {
		serr := &StaleStatsError{Op: op, Err: err}
		s.mu.Lock()
		s.markStaleLocked(KindStats)
		s.failLocked(op+" (stats refresh)", err)
		s.publishLocked()
		s.mu.Unlock()

		s.logger.Warn("store: stats refresh after mutation failed",
			slog.String("op", op),
			slog.Any("error", err),
		)
		s.record(ctx, "reconcile stats", op, err)
		return serr
	}

	s.mu.Lock()
	s.stats = authoritative(st)
	s.replacedLocked(KindStats)
	s.publishLocked()
	s.mu.Unlock()

	s.record(ctx, "reconcile stats", op, nil)
	return nil
}
