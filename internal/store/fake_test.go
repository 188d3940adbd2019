package store_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/earlyshield/dashboard/internal/domain"
	"github.com/earlyshield/dashboard/internal/gateway"
	"github.com/earlyshield/dashboard/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway is a scripted store.Gateway. Any nil hook returns a zero value
// and no error.
type fakeGateway struct {
	listSignals       func(ctx context.Context) ([]domain.Signal, error)
	listZones         func(ctx context.Context) ([]domain.Zone, error)
	getStats          func(ctx context.Context) (domain.Stats, error)
	listNotifications func(ctx context.Context) ([]domain.Notification, error)
	createSignal      func(ctx context.Context, d domain.SignalDraft) (domain.Signal, error)
	updateStatus      func(ctx context.Context, id string, st domain.SignalStatus) (domain.Signal, error)
	getUser           func(ctx context.Context, r domain.Role) (domain.User, error)
	updateUser        func(ctx context.Context, r domain.Role, p domain.UserPatch) (domain.User, error)
	markRead          func(ctx context.Context, id int) (domain.Notification, error)
	markAllRead       func(ctx context.Context) error

	mu    sync.Mutex
	calls []string
}

var _ store.Gateway = (*fakeGateway)(nil)

func (f *fakeGateway) called(op string) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.mu.Unlock()
}

func (f *fakeGateway) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeGateway) ListSignals(ctx context.Context) ([]domain.Signal, error) {
	f.called("ListSignals")
	if f.listSignals == nil {
		return []domain.Signal{}, nil
	}
	return f.listSignals(ctx)
}

func (f *fakeGateway) ListZones(ctx context.Context) ([]domain.Zone, error) {
	f.called("ListZones")
	if f.listZones == nil {
		return []domain.Zone{}, nil
	}
	return f.listZones(ctx)
}

func (f *fakeGateway) GetStats(ctx context.Context) (domain.Stats, error) {
	f.called("GetStats")
	if f.getStats == nil {
		return domain.Stats{Trend: []int{}}, nil
	}
	return f.getStats(ctx)
}

func (f *fakeGateway) ListNotifications(ctx context.Context) ([]domain.Notification, error) {
	f.called("ListNotifications")
	if f.listNotifications == nil {
		return []domain.Notification{}, nil
	}
	return f.listNotifications(ctx)
}

func (f *fakeGateway) CreateSignal(ctx context.Context, d domain.SignalDraft) (domain.Signal, error) {
	f.called("CreateSignal")
	if f.createSignal == nil {
		return domain.Signal{Title: d.Title}, nil
	}
	return f.createSignal(ctx, d)
}

func (f *fakeGateway) UpdateSignalStatus(ctx context.Context, id string, st domain.SignalStatus) (domain.Signal, error) {
	f.called("UpdateSignalStatus")
	if f.updateStatus == nil {
		return domain.Signal{ID: id, Status: st}, nil
	}
	return f.updateStatus(ctx, id, st)
}

func (f *fakeGateway) GetUser(ctx context.Context, r domain.Role) (domain.User, error) {
	f.called("GetUser")
	if f.getUser == nil {
		return userFor(r), nil
	}
	return f.getUser(ctx, r)
}

func (f *fakeGateway) UpdateUser(ctx context.Context, r domain.Role, p domain.UserPatch) (domain.User, error) {
	f.called("UpdateUser")
	if f.updateUser == nil {
		return userFor(r), nil
	}
	return f.updateUser(ctx, r, p)
}

func (f *fakeGateway) MarkNotificationRead(ctx context.Context, id int) (domain.Notification, error) {
	f.called("MarkNotificationRead")
	if f.markRead == nil {
		return domain.Notification{ID: id, Read: true}, nil
	}
	return f.markRead(ctx, id)
}

func (f *fakeGateway) MarkAllNotificationsRead(ctx context.Context) error {
	f.called("MarkAllNotificationsRead")
	if f.markAllRead == nil {
		return nil
	}
	return f.markAllRead(ctx)
}

// userFor returns a distinguishable identity for r.
func userFor(r domain.Role) domain.User {
	switch r {
	case domain.RoleStudent:
		return domain.User{Name: "Jordan Lee", Role: "Student", Email: "jordan@campus.edu", Department: "Computer Science", IDString: "STU-2291"}
	case domain.RoleManagement:
		return domain.User{Name: "Dr. Patel", Role: "Dean of Students", Email: "patel@campus.edu", Department: "Administration", IDString: "MGT-0007"}
	default:
		return domain.User{Name: "Alex Morgan", Role: "Security Admin", Email: "alex@campus.edu", Department: "Campus Safety", IDString: "ADM-0101"}
	}
}

func notFound(op string) error {
	return &gateway.TransportError{Op: op, Status: 404, Message: "Notification not found"}
}

func serverDown(op string) error {
	return &gateway.TransportError{Op: op, Status: 503, Message: "HTTP error 503"}
}

// memRecorder collects activity in memory.
type memRecorder struct {
	mu      sync.Mutex
	entries []store.Activity
}

func (m *memRecorder) Record(_ context.Context, a store.Activity) error {
	m.mu.Lock()
	m.entries = append(m.entries, a)
	m.mu.Unlock()
	return nil
}

func (m *memRecorder) Ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Op
	}
	return out
}

func (m *memRecorder) Last() store.Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[len(m.entries)-1]
}

func newStore(t *testing.T, gw store.Gateway, opts ...store.Option) *store.Store {
	t.Helper()
	opts = append([]store.Option{store.WithLogger(quietLogger())}, opts...)
	s := store.New(gw, opts...)
	t.Cleanup(s.Close)
	return s
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
