package store_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earlyshield/dashboard/internal/domain"
	"github.com/earlyshield/dashboard/internal/store"
)

var zoneLibrary = domain.Zone{
	ID: "z1", Name: "Main Library", Category: domain.ZoneGeneral, RiskLevel: domain.RiskLow,
	SignalCount: 0, Coordinates: domain.Coordinates{X: 40, Y: 30}, LatLng: [2]float64{40.1, -88.2},
}

func TestRefreshAll_IdleLoadingReady(t *testing.T) {
	release := make(chan struct{})
	gw := &fakeGateway{
		listSignals: func(context.Context) ([]domain.Signal, error) {
			<-release
			return []domain.Signal{}, nil
		},
		listZones: func(context.Context) ([]domain.Zone, error) { return []domain.Zone{zoneLibrary}, nil },
		getStats: func(context.Context) (domain.Stats, error) {
			return domain.Stats{HealthScore: 80, ActiveSignals: 0, Trend: []int{}}, nil
		},
	}
	s := newStore(t, gw)
	require.Equal(t, store.StatusIdle, s.Snapshot().Status)

	done := make(chan error, 1)
	go func() { done <- s.RefreshAll(testCtx(t)) }()

	waitUntil(t, func() bool { return s.Snapshot().Status == store.StatusLoading })
	assert.True(t, s.Snapshot().Loading)

	close(release)
	require.NoError(t, <-done)

	snap := s.Snapshot()
	assert.Equal(t, store.StatusReady, snap.Status)
	assert.False(t, snap.Loading)
	assert.Empty(t, snap.Error)
	assert.Empty(t, snap.Stale)
	assert.Equal(t, []domain.Signal{}, snap.Signals)
	assert.Equal(t, []domain.Zone{zoneLibrary}, snap.Zones)
	assert.Equal(t, domain.Stats{HealthScore: 80, ActiveSignals: 0, Trend: []int{}}, snap.Stats)
	assert.Equal(t, []domain.Notification{}, snap.Notifications)
}

// seeded returns a store that already holds one value per collection.
func seeded(t *testing.T, gw *fakeGateway, opts ...store.Option) *store.Store {
	t.Helper()
	gw.listSignals = func(context.Context) ([]domain.Signal, error) {
		return []domain.Signal{{ID: "old", Title: "Old signal"}}, nil
	}
	gw.listZones = func(context.Context) ([]domain.Zone, error) { return []domain.Zone{zoneLibrary}, nil }
	gw.getStats = func(context.Context) (domain.Stats, error) {
		return domain.Stats{HealthScore: 90, ActiveSignals: 1, Trend: []int{88, 90}}, nil
	}
	gw.listNotifications = func(context.Context) ([]domain.Notification, error) {
		return []domain.Notification{{ID: 1, Title: "Welcome", Time: "Just now"}}, nil
	}
	s := newStore(t, gw, opts...)
	require.NoError(t, s.RefreshAll(testCtx(t)))
	return s
}

func TestRefreshAll_AllOrNothingKeepsEveryCollection(t *testing.T) {
	gw := &fakeGateway{}
	s := seeded(t, gw)
	before := s.Snapshot()

	gw.listSignals = func(context.Context) ([]domain.Signal, error) {
		return []domain.Signal{{ID: "new"}}, nil
	}
	gw.listNotifications = func(context.Context) ([]domain.Notification, error) {
		return nil, serverDown("list notifications")
	}

	err := s.RefreshAll(testCtx(t))
	var rerr *store.RefreshError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, []store.Kind{store.KindNotifications}, rerr.Kinds())
	assert.False(t, rerr.Applied)

	snap := s.Snapshot()
	assert.Equal(t, store.StatusError, snap.Status)
	assert.NotEmpty(t, snap.Error)
	assert.Equal(t, before.Signals, snap.Signals, "signals must not be replaced")
	assert.Equal(t, before.Zones, snap.Zones)
	assert.Equal(t, before.Stats, snap.Stats)
	assert.Equal(t, before.Notifications, snap.Notifications)
	assert.ElementsMatch(t,
		[]store.Kind{store.KindSignals, store.KindZones, store.KindStats, store.KindNotifications},
		snap.Stale)
}

func TestRefreshAll_PartialAppliesSucceededKinds(t *testing.T) {
	gw := &fakeGateway{}
	s := seeded(t, gw, store.WithRefreshPolicy(store.RefreshPartial))
	before := s.Snapshot()

	gw.listSignals = func(context.Context) ([]domain.Signal, error) {
		return []domain.Signal{{ID: "new"}}, nil
	}
	gw.listNotifications = func(context.Context) ([]domain.Notification, error) {
		return nil, serverDown("list notifications")
	}

	err := s.RefreshAll(testCtx(t))
	var rerr *store.RefreshError
	require.ErrorAs(t, err, &rerr)
	assert.True(t, rerr.Applied)

	snap := s.Snapshot()
	assert.Equal(t, store.StatusError, snap.Status)
	assert.Contains(t, snap.Error, "notifications")
	assert.Equal(t, []domain.Signal{{ID: "new"}}, snap.Signals)
	assert.Equal(t, before.Zones, snap.Zones)
	assert.Equal(t, before.Stats, snap.Stats)
	assert.Equal(t, before.Notifications, snap.Notifications, "failed kind keeps its previous value")
	assert.Equal(t, []store.Kind{store.KindNotifications}, snap.Stale)

	// The next full success clears both the error slot and the stale set.
	gw.listNotifications = nil
	require.NoError(t, s.RefreshAll(testCtx(t)))
	snap = s.Snapshot()
	assert.Equal(t, store.StatusReady, snap.Status)
	assert.Empty(t, snap.Error)
	assert.Empty(t, snap.Stale)
	assert.Equal(t, []domain.Notification{}, snap.Notifications)
}

func TestRefreshAll_AllOrNothingIgnoresCancelledSiblings(t *testing.T) {
	gw := &fakeGateway{
		listSignals: func(ctx context.Context) ([]domain.Signal, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		listZones: func(context.Context) ([]domain.Zone, error) {
			return nil, serverDown("list zones")
		},
	}
	s := newStore(t, gw)

	err := s.RefreshAll(testCtx(t))
	var rerr *store.RefreshError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, []store.Kind{store.KindZones}, rerr.Kinds())
}

func TestRefreshAll_TimeoutReleasesLoading(t *testing.T) {
	gw := &fakeGateway{
		getStats: func(ctx context.Context) (domain.Stats, error) {
			<-ctx.Done()
			return domain.Stats{}, ctx.Err()
		},
	}
	s := newStore(t, gw, store.WithRequestTimeout(30*time.Millisecond))

	start := time.Now()
	err := s.RefreshAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)

	snap := s.Snapshot()
	assert.False(t, snap.Loading)
	assert.Equal(t, store.StatusError, snap.Status)
}

func TestRefreshAll_OverlappingRefreshesSettleOnLast(t *testing.T) {
	var n atomic.Int32
	release := make(chan struct{})
	gw := &fakeGateway{
		listSignals: func(context.Context) ([]domain.Signal, error) {
			if n.Add(1) == 1 {
				<-release
			}
			return []domain.Signal{}, nil
		},
	}
	s := newStore(t, gw)

	first := make(chan error, 1)
	go func() { first <- s.RefreshAll(testCtx(t)) }()
	waitUntil(t, func() bool { return n.Load() == 1 })

	require.NoError(t, s.RefreshAll(testCtx(t)))
	assert.Equal(t, store.StatusLoading, s.Snapshot().Status, "first refresh still in flight")

	close(release)
	require.NoError(t, <-first)
	assert.Equal(t, store.StatusReady, s.Snapshot().Status)
}

func TestRefreshAll_RecordsActivity(t *testing.T) {
	rec := &memRecorder{}
	gw := &fakeGateway{
		getStats: func(context.Context) (domain.Stats, error) { return domain.Stats{}, serverDown("get stats") },
	}
	s := newStore(t, gw, store.WithRecorder(rec))

	require.Error(t, s.RefreshAll(testCtx(t)))
	last := rec.Last()
	assert.Equal(t, "refresh", last.Op)
	assert.Equal(t, "stats", last.Target)
	assert.False(t, last.OK)
	assert.NotEmpty(t, last.Message)
}

func TestParseRefreshPolicy(t *testing.T) {
	for in, want := range map[string]store.RefreshPolicy{
		"":               store.RefreshAllOrNothing,
		"all_or_nothing": store.RefreshAllOrNothing,
		"partial":        store.RefreshPartial,
	} {
		got, err := store.ParseRefreshPolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
		if in != "" {
			assert.Equal(t, in, got.String())
		}
	}
	_, err := store.ParseRefreshPolicy("sometimes")
	assert.Error(t, err)
}

func TestRefreshAll_FailureSurvivesUnrelatedSuccess(t *testing.T) {
	gw := &fakeGateway{}
	s := seeded(t, gw)
	gw.listZones = func(context.Context) ([]domain.Zone, error) {
		return nil, serverDown("list zones")
	}

	require.Error(t, s.RefreshAll(testCtx(t)))
	failed := s.Snapshot()
	require.Equal(t, store.StatusError, failed.Status)
	require.Equal(t, "refresh failed: zones: HTTP error 503", failed.Error)

	rs, err := s.SetActiveRole(domain.RoleStudent)
	require.NoError(t, err)
	require.NoError(t, rs.Wait(testCtx(t)))
	require.True(t, rs.Applied())

	snap := s.Snapshot()
	assert.Equal(t, store.StatusError, snap.Status)
	assert.Equal(t, failed.Error, snap.Error, "role switch must not clear the refresh failure")
	assert.Equal(t, failed.Stale, snap.Stale)

	// A failed mutation takes the slot; its own success hands it back.
	gw.markRead = func(context.Context, int) (domain.Notification, error) {
		return domain.Notification{}, serverDown("mark notification read")
	}
	require.Error(t, s.MarkNotificationRead(testCtx(t), 1))
	assert.Equal(t, "mark notification read: HTTP error 503", s.Snapshot().Error)
	gw.markRead = nil
	require.NoError(t, s.MarkNotificationRead(testCtx(t), 1))
	assert.Equal(t, failed.Error, s.Snapshot().Error)

	gw.listZones = nil
	require.NoError(t, s.RefreshAll(testCtx(t)))
	snap = s.Snapshot()
	assert.Equal(t, store.StatusReady, snap.Status)
	assert.Empty(t, snap.Error)
	assert.Empty(t, snap.Stale)
}

func TestRefreshAll_LateFailureKeepsKindsReplacedMeanwhile(t *testing.T) {
	for _, policy := range []store.RefreshPolicy{store.RefreshAllOrNothing, store.RefreshPartial} {
		t.Run(policy.String(), func(t *testing.T) {
			gw := &fakeGateway{}
			s := seeded(t, gw, store.WithRefreshPolicy(policy))

			var n atomic.Int32
			release := make(chan struct{})
			gw.listZones = func(context.Context) ([]domain.Zone, error) {
				if n.Add(1) == 1 {
					<-release
					return nil, serverDown("list zones")
				}
				return []domain.Zone{zoneLibrary}, nil
			}

			first := make(chan error, 1)
			go func() { first <- s.RefreshAll(testCtx(t)) }()
			waitUntil(t, func() bool { return n.Load() == 1 })

			require.NoError(t, s.RefreshAll(testCtx(t)))
			close(release)
			require.Error(t, <-first)

			snap := s.Snapshot()
			assert.Equal(t, store.StatusError, snap.Status, "the last refresh to settle failed")
			assert.Equal(t, "refresh failed: zones: HTTP error 503", snap.Error)
			assert.Empty(t, snap.Stale, "every kind was replaced after the failing refresh started")
			assert.Equal(t, []domain.Zone{zoneLibrary}, snap.Zones)
		})
	}
}
