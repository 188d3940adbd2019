package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/earlyshield/dashboard/internal/domain"
)

// IdentityPolicy decides which identity fetch wins when role switches
// overlap.
type IdentityPolicy int

const (
	// IdentityLastResolved applies every fetch result as it arrives, so the
	// fetch that completes last owns the projection even if it was issued
	// for an earlier switch. The selector and projection can then disagree
	// at rest until the next switch.
	IdentityLastResolved IdentityPolicy = iota
	// IdentityLatestRequested applies a result only if its switch sequence is
	// higher than that of the projection currently shown. A late result from
	// an older switch is discarded.
	IdentityLatestRequested
)

// String returns the config spelling of p.
func (p IdentityPolicy) String() string {
	switch p {
	case IdentityLastResolved:
		return "last_resolved"
	case IdentityLatestRequested:
		return "latest_requested"
	}
	return fmt.Sprintf("IdentityPolicy(%d)", int(p))
}

// ParseIdentityPolicy converts the config spelling into an IdentityPolicy.
func ParseIdentityPolicy(s string) (IdentityPolicy, error) {
	switch s {
	case "", "last_resolved":
		return IdentityLastResolved, nil
	case "latest_requested":
		return IdentityLatestRequested, nil
	}
	return 0, fmt.Errorf("store: unknown identity policy %q (want last_resolved or latest_requested)", s)
}

// RoleSwitch tracks the identity fetch started by one SetActiveRole call.
type RoleSwitch struct {
	role    domain.Role
	seq     uint64
	done    chan struct{}
	err     error
	applied bool
}

// Role is the role requested by the switch.
func (r *RoleSwitch) Role() domain.Role { return r.role }

// Seq is the switch's position in the sequence of SetActiveRole calls.
func (r *RoleSwitch) Seq() uint64 { return r.seq }

// Done is closed once the identity fetch has settled.
func (r *RoleSwitch) Done() <-chan struct{} { return r.done }

// Wait blocks until the fetch settles or ctx ends. It returns the fetch error,
// if any.
func (r *RoleSwitch) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Applied reports whether the fetched identity replaced the projection. It
// is only meaningful after Done is closed.
func (r *RoleSwitch) Applied() bool {
	<-r.done
	return r.applied
}

// SetActiveRole switches the role selector immediately and starts fetching
// the identity for role in the background. Until the fetch resolves the
// previous projection stays visible; it is then replaced as a whole, never
// merged. A failed fetch leaves both the previous projection and the new
// selector in place and sets the error slot.
//
// The fetch runs under the Store's lifetime, not ctx-of-caller, so it
// completes even if the initiating request ends; Close cancels it.
func (s *Store) SetActiveRole(role domain.Role) (*RoleSwitch, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("store: set active role: %w", errInvalidRole(role))
	}

	s.mu.Lock()
	s.switchSeq++
	rs := &RoleSwitch{role: role, seq: s.switchSeq, done: make(chan struct{})}
	s.role = role
	s.publishLocked()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(rs.done)
		s.fetchIdentity(rs)
	}()
	return rs, nil
}

// fetchIdentity performs the gateway call for rs and applies the result
// according to the identity policy.
func (s *Store) fetchIdentity(rs *RoleSwitch) {
	const op = "fetch identity"

	cctx, cancel := s.bound(s.lifetime)
	u, err := s.gw.GetUser(cctx, rs.role)
	cancel()
	if err != nil {
		rs.err = err
		s.logger.Warn("store: identity fetch failed; keeping previous identity",
			slog.String("role", string(rs.role)),
			slog.Uint64("seq", rs.seq),
			slog.Any("error", err),
		)
		s.mu.Lock()
		s.failLocked(op, err)
		s.publishLocked()
		s.mu.Unlock()
		s.record(s.lifetime, op, string(rs.role), err)
		return
	}

	s.mu.Lock()
	if s.identityPolicy == IdentityLatestRequested && rs.seq <= s.appliedSeq {
		s.mu.Unlock()
		s.logger.Debug("store: discarding identity from superseded switch",
			slog.String("role", string(rs.role)),
			slog.Uint64("seq", rs.seq),
		)
		return
	}
	s.user = &u
	s.userRole = rs.role
	s.appliedSeq = rs.seq
	s.clearErrorLocked()
	s.publishLocked()
	s.mu.Unlock()

	rs.applied = true
	s.record(s.lifetime, op, string(rs.role), nil)
}

// UpdateActiveUser applies patch to the identity of the currently selected
// role and replaces the projection with the server's returned object, so
// server-side normalisation wins over local values.
//
// If the selector moves to another role while the update is in flight, the
// returned identity is not projected: it belongs to a role that is no longer
// active.
func (s *Store) UpdateActiveUser(ctx context.Context, patch domain.UserPatch) (domain.User, error) {
	const op = "update user"

	s.mu.Lock()
	role := s.role
	s.mu.Unlock()

	cctx, cancel := s.bound(ctx)
	u, err := s.gw.UpdateUser(cctx, role, patch)
	cancel()
	if err != nil {
		s.fail(ctx, op, string(role), err)
		return domain.User{}, err
	}

	s.mu.Lock()
	if s.role == role {
		s.user = &u
		s.userRole = role
		s.appliedSeq = s.switchSeq
	} else {
		s.logger.Info("store: user update resolved after role switch; projection unchanged",
			slog.String("updated_role", string(role)),
			slog.String("active_role", string(s.role)),
		)
	}
	s.clearErrorLocked()
	s.publishLocked()
	s.mu.Unlock()

	s.record(ctx, op, string(role), nil)
	return u, nil
}

type errInvalidRole domain.Role

func (e errInvalidRole) Error() string {
	return fmt.Sprintf("unknown role %q", string(e))
}
