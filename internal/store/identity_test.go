package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earlyshield/dashboard/internal/domain"
	"github.com/earlyshield/dashboard/internal/store"
)

// gatedUsers blocks each GetUser call until the channel for its role is
// closed.
func gatedUsers(gw *fakeGateway, gates map[domain.Role]chan struct{}) {
	gw.getUser = func(ctx context.Context, r domain.Role) (domain.User, error) {
		if g, ok := gates[r]; ok {
			select {
			case <-g:
			case <-ctx.Done():
				return domain.User{}, ctx.Err()
			}
		}
		return userFor(r), nil
	}
}

func TestSetActiveRole_SelectorIsSynchronous(t *testing.T) {
	gate := make(chan struct{})
	gw := &fakeGateway{}
	gatedUsers(gw, map[domain.Role]chan struct{}{domain.RoleStudent: gate})
	s := newStore(t, gw)

	rs, err := s.SetActiveRole(domain.RoleStudent)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleStudent, rs.Role())
	assert.Equal(t, uint64(1), rs.Seq())

	snap := s.Snapshot()
	assert.Equal(t, domain.RoleStudent, snap.Role)
	assert.Nil(t, snap.User, "no projection until the fetch resolves")

	close(gate)
	require.NoError(t, rs.Wait(testCtx(t)))
	assert.True(t, rs.Applied())

	snap = s.Snapshot()
	require.NotNil(t, snap.User)
	assert.Equal(t, userFor(domain.RoleStudent), *snap.User)
	assert.Equal(t, domain.RoleStudent, snap.UserRole)
}

func TestSetActiveRole_PreviousProjectionVisibleWhilePending(t *testing.T) {
	gate := make(chan struct{})
	gw := &fakeGateway{}
	gatedUsers(gw, map[domain.Role]chan struct{}{domain.RoleManagement: gate})
	s := newStore(t, gw)

	first, err := s.SetActiveRole(domain.RoleAdmin)
	require.NoError(t, err)
	require.NoError(t, first.Wait(testCtx(t)))

	second, err := s.SetActiveRole(domain.RoleManagement)
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, domain.RoleManagement, snap.Role)
	require.NotNil(t, snap.User)
	assert.Equal(t, "Alex Morgan", snap.User.Name, "stale-while-revalidate")
	assert.Equal(t, domain.RoleAdmin, snap.UserRole)

	close(gate)
	require.NoError(t, second.Wait(testCtx(t)))
	assert.Equal(t, userFor(domain.RoleManagement), *s.Snapshot().User)
}

// Admin is requested first and resolves after Student.
func overlappingSwitch(t *testing.T, policy store.IdentityPolicy) (*store.Store, *store.RoleSwitch, *store.RoleSwitch) {
	t.Helper()
	adminGate := make(chan struct{})
	gw := &fakeGateway{}
	gatedUsers(gw, map[domain.Role]chan struct{}{domain.RoleAdmin: adminGate})
	s := newStore(t, gw, store.WithIdentityPolicy(policy))

	admin, err := s.SetActiveRole(domain.RoleAdmin)
	require.NoError(t, err)
	student, err := s.SetActiveRole(domain.RoleStudent)
	require.NoError(t, err)

	require.NoError(t, student.Wait(testCtx(t)))
	close(adminGate)
	require.NoError(t, admin.Wait(testCtx(t)))
	return s, admin, student
}

func TestSetActiveRole_LastResolvedWins(t *testing.T) {
	s, admin, student := overlappingSwitch(t, store.IdentityLastResolved)

	assert.True(t, student.Applied())
	assert.True(t, admin.Applied())

	snap := s.Snapshot()
	assert.Equal(t, domain.RoleStudent, snap.Role, "selector follows the last request")
	require.NotNil(t, snap.User)
	assert.Equal(t, userFor(domain.RoleAdmin), *snap.User, "projection follows the last resolution")
	assert.Equal(t, domain.RoleAdmin, snap.UserRole)
}

func TestSetActiveRole_LatestRequestedDiscardsOlder(t *testing.T) {
	s, admin, student := overlappingSwitch(t, store.IdentityLatestRequested)

	assert.True(t, student.Applied())
	assert.False(t, admin.Applied(), "older switch resolved late and was discarded")

	snap := s.Snapshot()
	assert.Equal(t, domain.RoleStudent, snap.Role)
	require.NotNil(t, snap.User)
	assert.Equal(t, userFor(domain.RoleStudent), *snap.User)
	assert.Equal(t, snap.Role, snap.UserRole, "consistent at rest")
}

func TestSetActiveRole_ConsistentAtRestWhenSequential(t *testing.T) {
	for _, policy := range []store.IdentityPolicy{store.IdentityLastResolved, store.IdentityLatestRequested} {
		t.Run(policy.String(), func(t *testing.T) {
			s := newStore(t, &fakeGateway{}, store.WithIdentityPolicy(policy))
			for _, r := range []domain.Role{domain.RoleStudent, domain.RoleManagement, domain.RoleAdmin, domain.RoleStudent} {
				rs, err := s.SetActiveRole(r)
				require.NoError(t, err)
				require.NoError(t, rs.Wait(testCtx(t)))
			}
			snap := s.Snapshot()
			assert.Equal(t, domain.RoleStudent, snap.UserRole)
			assert.Equal(t, userFor(domain.RoleStudent), *snap.User)
		})
	}
}

func TestSetActiveRole_FailureKeepsPreviousIdentity(t *testing.T) {
	rec := &memRecorder{}
	gw := &fakeGateway{}
	s := newStore(t, gw, store.WithRecorder(rec))

	rs, err := s.SetActiveRole(domain.RoleAdmin)
	require.NoError(t, err)
	require.NoError(t, rs.Wait(testCtx(t)))

	gw.getUser = func(context.Context, domain.Role) (domain.User, error) {
		return domain.User{}, serverDown("get user")
	}
	rs, err = s.SetActiveRole(domain.RoleStudent)
	require.NoError(t, err)
	require.Error(t, rs.Wait(testCtx(t)))
	assert.False(t, rs.Applied())

	snap := s.Snapshot()
	assert.Equal(t, domain.RoleStudent, snap.Role)
	assert.Equal(t, userFor(domain.RoleAdmin), *snap.User)
	assert.Equal(t, "fetch identity: HTTP error 503", snap.Error)
	assert.Equal(t, "fetch identity", rec.Last().Op)
	assert.False(t, rec.Last().OK)
}

func TestSetActiveRole_RejectsUnknownRole(t *testing.T) {
	gw := &fakeGateway{}
	s := newStore(t, gw)

	_, err := s.SetActiveRole(domain.Role("Janitor"))
	require.Error(t, err)
	assert.Equal(t, domain.RoleAdmin, s.Snapshot().Role)
	assert.Empty(t, gw.Calls())
}

func TestSetActiveRole_CloseCancelsPendingFetch(t *testing.T) {
	gw := &fakeGateway{}
	gatedUsers(gw, map[domain.Role]chan struct{}{domain.RoleStudent: make(chan struct{})})
	s := store.New(gw, store.WithLogger(quietLogger()))

	rs, err := s.SetActiveRole(domain.RoleStudent)
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.ErrorIs(t, rs.Wait(context.Background()), context.Canceled)
}

func TestUpdateActiveUser_ReplacesWithServerObject(t *testing.T) {
	gw := &fakeGateway{
		updateUser: func(_ context.Context, r domain.Role, p domain.UserPatch) (domain.User, error) {
			u := userFor(r)
			u.Email = "ALEX.M@campus.edu" // server normalises casing its own way
			return u, nil
		},
	}
	s := newStore(t, gw)
	rs, err := s.SetActiveRole(domain.RoleAdmin)
	require.NoError(t, err)
	require.NoError(t, rs.Wait(testCtx(t)))

	email := "alex.m@campus.edu"
	u, err := s.UpdateActiveUser(testCtx(t), domain.UserPatch{Email: &email})
	require.NoError(t, err)
	assert.Equal(t, "ALEX.M@campus.edu", u.Email)
	assert.Equal(t, u, *s.Snapshot().User)
}

func TestUpdateActiveUser_NotProjectedAfterRoleSwitch(t *testing.T) {
	gate := make(chan struct{})
	gw := &fakeGateway{}
	gw.updateUser = func(_ context.Context, r domain.Role, _ domain.UserPatch) (domain.User, error) {
		<-gate
		u := userFor(r)
		u.Name = "Updated Admin"
		return u, nil
	}
	s := newStore(t, gw)

	done := make(chan error, 1)
	name := "Updated Admin"
	go func() {
		_, err := s.UpdateActiveUser(testCtx(t), domain.UserPatch{Name: &name})
		done <- err
	}()
	waitUntil(t, func() bool {
		for _, c := range gw.Calls() {
			if c == "UpdateUser" {
				return true
			}
		}
		return false
	})

	rs, err := s.SetActiveRole(domain.RoleStudent)
	require.NoError(t, err)
	require.NoError(t, rs.Wait(testCtx(t)))

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, userFor(domain.RoleStudent), *s.Snapshot().User)
}

func TestUpdateActiveUser_FailureKeepsProjection(t *testing.T) {
	gw := &fakeGateway{
		updateUser: func(context.Context, domain.Role, domain.UserPatch) (domain.User, error) {
			return domain.User{}, serverDown("update user")
		},
	}
	s := newStore(t, gw)
	rs, err := s.SetActiveRole(domain.RoleAdmin)
	require.NoError(t, err)
	require.NoError(t, rs.Wait(testCtx(t)))

	name := "X"
	_, err = s.UpdateActiveUser(testCtx(t), domain.UserPatch{Name: &name})
	require.Error(t, err)
	assert.Equal(t, userFor(domain.RoleAdmin), *s.Snapshot().User)
	assert.NotEmpty(t, s.Snapshot().Error)
}

func TestParseIdentityPolicy(t *testing.T) {
	p, err := store.ParseIdentityPolicy("latest_requested")
	require.NoError(t, err)
	assert.Equal(t, store.IdentityLatestRequested, p)

	p, err = store.ParseIdentityPolicy("")
	require.NoError(t, err)
	assert.Equal(t, store.IdentityLastResolved, p)

	_, err = store.ParseIdentityPolicy("first_wins")
	assert.Error(t, err)
}
