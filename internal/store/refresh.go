package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/earlyshield/dashboard/internal/domain"
	"github.com/earlyshield/dashboard/internal/gateway"
)

// RefreshPolicy selects how RefreshAll treats a partial failure.
type RefreshPolicy int

const (
	// RefreshAllOrNothing replaces no collection unless all four fetches
	// succeed. The first failure cancels the remaining fetches. A failed
	// refresh marks a kind stale only if no other operation replaced it since
	// the refresh started.
	RefreshAllOrNothing RefreshPolicy = iota
	// RefreshPartial applies every fetch that succeeded and marks only the
	// failed kinds stale.
	RefreshPartial
)

// String returns the config spelling of p.
func (p RefreshPolicy) String() string {
	switch p {
	case RefreshAllOrNothing:
		return "all_or_nothing"
	case RefreshPartial:
		return "partial"
	}
	return fmt.Sprintf("RefreshPolicy(%d)", int(p))
}

// ParseRefreshPolicy converts the config spelling into a RefreshPolicy.
func ParseRefreshPolicy(s string) (RefreshPolicy, error) {
	switch s {
	case "", "all_or_nothing":
		return RefreshAllOrNothing, nil
	case "partial":
		return RefreshPartial, nil
	}
	return 0, fmt.Errorf("store: unknown refresh policy %q (want all_or_nothing or partial)", s)
}

// KindError is the failure of one RefreshAll sub-fetch.
type KindError struct {
	Kind Kind
	Err  error
}

// RefreshError reports the sub-fetches that failed during RefreshAll. It
// unwraps to the individual gateway errors.
type RefreshError struct {
	Failed []KindError
	// Applied is true when the succeeded kinds were written (RefreshPartial).
	Applied bool
}

func (e *RefreshError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Kind, gateway.Message(f.Err)))
	}
	return "refresh failed: " + strings.Join(parts, "; ")
}

func (e *RefreshError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		errs = append(errs, f.Err)
	}
	return errs
}

// Kinds lists the failed kinds in fetch order.
func (e *RefreshError) Kinds() []Kind {
	out := make([]Kind, 0, len(e.Failed))
	for _, f := range e.Failed {
		out = append(out, f.Kind)
	}
	return out
}

// refreshOrder fixes the order in which sub-fetch results are reported.
var refreshOrder = []Kind{KindSignals, KindZones, KindStats, KindNotifications}

// RefreshAll fetches signals, zones, stats and notifications concurrently.
//
// The status moves to loading before any request is issued and to ready or
// error once all four have settled. Overlapping refreshes keep the status at
// loading until the last one settles. On failure the store's error slot is
// set and a *RefreshError is returned; which collections are replaced is
// governed by the RefreshPolicy.
func (s *Store) RefreshAll(ctx context.Context) error {
	const op = "refresh"

	s.mu.Lock()
	s.inflight++
	s.status = StatusLoading
	s.publishLocked()
	started := s.version
	policy := s.refreshPolicy
	s.mu.Unlock()

	var (
		signals       []domain.Signal
		zones         []domain.Zone
		stats         domain.Stats
		notifications []domain.Notification
		errsMu        sync.Mutex
		errs          = make(map[Kind]error, len(refreshOrder))
	)
	setErr := func(k Kind, err error) {
		errsMu.Lock()
		errs[k] = err
		errsMu.Unlock()
	}

	g := new(errgroup.Group)
	fetchCtx := ctx
	if policy == RefreshAllOrNothing {
		g, fetchCtx = errgroup.WithContext(ctx)
	}

	fetch := func(k Kind, call func(context.Context) error) {
		g.Go(func() error {
			cctx, cancel := s.bound(fetchCtx)
			defer cancel()
			if err := call(cctx); err != nil {
				setErr(k, err)
				return err
			}
			return nil
		})
	}
	fetch(KindSignals, func(c context.Context) (err error) {
		signals, err = s.gw.ListSignals(c)
		return err
	})
	fetch(KindZones, func(c context.Context) (err error) {
		zones, err = s.gw.ListZones(c)
		return err
	})
	fetch(KindStats, func(c context.Context) (err error) {
		stats, err = s.gw.GetStats(c)
		return err
	})
	fetch(KindNotifications, func(c context.Context) (err error) {
		notifications, err = s.gw.ListNotifications(c)
		return err
	})
	_ = g.Wait()

	rerr := s.collectRefreshErrors(ctx, policy, errs)

	s.mu.Lock()
	s.inflight--
	switch {
	case rerr == nil:
		s.signals = orEmpty(signals)
		s.zones = orEmpty(zones)
		s.stats = authoritative(stats)
		s.notifications = orEmpty(notifications)
		for _, k := range refreshOrder {
			s.replacedLocked(k)
		}
		s.refreshErr = ""
		s.clearErrorLocked()
	case policy == RefreshPartial:
		rerr.Applied = true
		failed := make(map[Kind]bool, len(rerr.Failed))
		for _, f := range rerr.Failed {
			failed[f.Kind] = true
		}
		for _, k := range refreshOrder {
			if failed[k] {
				if !s.replacedSince(k, started) {
					s.markStaleLocked(k)
				}
				continue
			}
			s.replacedLocked(k)
			switch k {
			case KindSignals:
				s.signals = orEmpty(signals)
			case KindZones:
				s.zones = orEmpty(zones)
			case KindStats:
				s.stats = authoritative(stats)
			case KindNotifications:
				s.notifications = orEmpty(notifications)
			}
		}
		s.refreshErr = rerr.Error()
		s.errMsg = s.refreshErr
	default:
		for _, k := range refreshOrder {
			if !s.replacedSince(k, started) {
				s.markStaleLocked(k)
			}
		}
		s.refreshErr = rerr.Error()
		s.errMsg = s.refreshErr
	}
	if s.inflight == 0 {
		if rerr == nil {
			s.status = StatusReady
		} else {
			s.status = StatusError
		}
	}
	s.publishLocked()
	s.mu.Unlock()

	if rerr != nil {
		s.logger.Warn("store: refresh failed",
			slog.String("policy", policy.String()),
			slog.Any("failed", rerr.Kinds()),
			slog.Any("error", rerr),
		)
		s.record(ctx, op, strings.Join(kindStrings(rerr.Kinds()), ","), rerr)
		return rerr
	}
	s.logger.Debug("store: refresh complete",
		slog.Int("signals", len(signals)),
		slog.Int("zones", len(zones)),
		slog.Int("notifications", len(notifications)),
	)
	s.record(ctx, op, "all", nil)
	return nil
}

// collectRefreshErrors orders sub-fetch failures. Under RefreshAllOrNothing a
// sibling cancelled because another fetch failed is not itself a failure and
// is left out, unless the caller's own context ended.
func (s *Store) collectRefreshErrors(ctx context.Context, policy RefreshPolicy, errs map[Kind]error) *RefreshError {
	if len(errs) == 0 {
		return nil
	}
	rerr := &RefreshError{}
	for _, k := range refreshOrder {
		err, ok := errs[k]
		if !ok {
			continue
		}
		if policy == RefreshAllOrNothing && ctx.Err() == nil && errors.Is(err, context.Canceled) {
			continue
		}
		rerr.Failed = append(rerr.Failed, KindError{Kind: k, Err: err})
	}
	if len(rerr.Failed) == 0 {
		// Only cancellations were seen; report them all rather than nothing.
		for _, k := range refreshOrder {
			if err, ok := errs[k]; ok {
				rerr.Failed = append(rerr.Failed, KindError{Kind: k, Err: err})
			}
		}
	}
	return rerr
}

func kindStrings(ks []Kind) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = string(k)
	}
	return out
}
