package store

import (
	"context"
	"slices"
	"strconv"

	"github.com/earlyshield/dashboard/internal/domain"
)

// MarkNotificationRead flags notification id as read once the gateway
// confirms it. Read flags only ever move from false to true. On failure the
// collection is untouched.
func (s *Store) MarkNotificationRead(ctx context.Context, id int) error {
	const op = "mark notification read"
	target := strconv.Itoa(id)

	cctx, cancel := s.bound(ctx)
	_, err := s.gw.MarkNotificationRead(cctx, id)
	cancel()
	if err != nil {
		s.fail(ctx, op, target, err)
		return err
	}

	s.mu.Lock()
	changed := s.clearErrorLocked()
	if i := slices.IndexFunc(s.notifications, func(n domain.Notification) bool { return n.ID == id }); i >= 0 && !s.notifications[i].Read {
		next := slices.Clone(s.notifications)
		next[i].Read = true
		s.notifications = next
		changed = true
	}
	if changed {
		s.publishLocked()
	}
	s.mu.Unlock()

	s.record(ctx, op, target, nil)
	return nil
}

// MarkAllNotificationsRead flags every notification as read once the gateway
// confirms the bulk operation. No fresh fetch is made. Calling it again when
// everything is already read changes nothing.
func (s *Store) MarkAllNotificationsRead(ctx context.Context) error {
	const op = "mark all notifications read"

	cctx, cancel := s.bound(ctx)
	err := s.gw.MarkAllNotificationsRead(cctx)
	cancel()
	if err != nil {
		s.fail(ctx, op, "all", err)
		return err
	}

	s.mu.Lock()
	changed := s.clearErrorLocked()
	if slices.ContainsFunc(s.notifications, func(n domain.Notification) bool { return !n.Read }) {
		next := slices.Clone(s.notifications)
		for i := range next {
			next[i].Read = true
		}
		s.notifications = next
		changed = true
	}
	if changed {
		s.publishLocked()
	}
	s.mu.Unlock()

	s.record(ctx, op, "all", nil)
	return nil
}
