// Package store holds the canonical in-memory mirror of the EarlyShield
// backend: signals, zones, aggregate stats, notifications, the active role and
// the active user projection, plus a loading/error status.
//
// # Ownership
//
// A Store is constructed once at process start with New and passed by
// reference to every consumer. Consumers read immutable Snapshot values (via
// Snapshot or Subscribe) and route every mutation through the Store's
// operations; nothing else writes to the mirror.
//
// # Concurrency
//
// Gateway calls run without holding the store lock. Every state transition
// that follows a call is applied atomically under a single mutex, so
// consumers never observe a partial write. Overlapping operations resolve in
// completion order: a later-completing result overwrites an earlier one
// (last-resolved-wins), except where IdentityLatestRequested is selected for
// identity fetches.
//
// # Failure
//
// A failed operation leaves the prior state intact, stores a human-readable
// message in the error slot, and returns the error to the caller. A
// successful operation clears a message left by another operation, but the
// failure of the latest settled refresh stays in the slot until a refresh
// succeeds. Nothing is retried.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/earlyshield/dashboard/internal/domain"
	"github.com/earlyshield/dashboard/internal/gateway"
)

// Gateway is the subset of gateway.Client used by the Store. Defining it here
// lets tests drive the Store with a scripted fake.
type Gateway interface {
	ListSignals(ctx context.Context) ([]domain.Signal, error)
	ListZones(ctx context.Context) ([]domain.Zone, error)
	GetStats(ctx context.Context) (domain.Stats, error)
	ListNotifications(ctx context.Context) ([]domain.Notification, error)

	CreateSignal(ctx context.Context, draft domain.SignalDraft) (domain.Signal, error)
	UpdateSignalStatus(ctx context.Context, id string, status domain.SignalStatus) (domain.Signal, error)

	GetUser(ctx context.Context, role domain.Role) (domain.User, error)
	UpdateUser(ctx context.Context, role domain.Role, patch domain.UserPatch) (domain.User, error)

	MarkNotificationRead(ctx context.Context, id int) (domain.Notification, error)
	MarkAllNotificationsRead(ctx context.Context) error
}

var _ Gateway = (*gateway.Client)(nil)

// Status is the refresh lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// Kind names one of the collections filled by RefreshAll.
type Kind string

const (
	KindSignals       Kind = "signals"
	KindZones         Kind = "zones"
	KindStats         Kind = "stats"
	KindNotifications Kind = "notifications"
)

// Snapshot is an immutable copy of the store state. Slices are never shared
// with the store's internal state.
type Snapshot struct {
	// Version increases by one with every published change.
	Version uint64 `json:"version"`
	Status  Status `json:"status"`
	Loading bool   `json:"loading"`
	Error   string `json:"error,omitempty"`
	// Stale lists kinds whose local copy was not replaced by the most recent
	// attempt to refresh them.
	Stale []Kind `json:"stale,omitempty"`

	Signals       []domain.Signal       `json:"signals"`
	Zones         []domain.Zone         `json:"zones"`
	Stats         domain.Stats          `json:"stats"`
	Notifications []domain.Notification `json:"notifications"`

	Role domain.Role `json:"role"`
	// User is nil until the first identity fetch resolves. UserRole is the
	// role User was fetched for; it lags Role while a switch is in flight.
	User     *domain.User `json:"user,omitempty"`
	UserRole domain.Role  `json:"userRole,omitempty"`

	Dark bool `json:"dark"`
}

// Activity is one operation outcome reported to a Recorder.
type Activity struct {
	Op      string
	Target  string
	OK      bool
	Message string
	At      time.Time
}

// Recorder receives one Activity per completed store operation.
type Recorder interface {
	Record(ctx context.Context, a Activity) error
}

// Store is the domain state container. Create it with New; do not copy.
type Store struct {
	gw       Gateway
	logger   *slog.Logger
	recorder Recorder

	requestTimeout time.Duration
	refreshPolicy  RefreshPolicy
	identityPolicy IdentityPolicy
	now            func() time.Time

	// lifetime bounds background identity fetches; cancelled by Close.
	lifetime context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	hub *hub

	mu            sync.Mutex
	version       uint64
	status        Status
	inflight      int
	errMsg        string
	refreshErr    string // failure of the latest settled refresh, if any
	stale         []Kind
	replaced      map[Kind]uint64 // version at which each kind was last replaced
	signals       []domain.Signal
	zones         []domain.Zone
	stats         domain.Stats
	notifications []domain.Notification
	role          domain.Role
	user          *domain.User
	userRole      domain.Role
	dark          bool

	switchSeq  uint64 // last sequence handed out by SetActiveRole
	appliedSeq uint64 // sequence of the identity currently projected
}

// Option is a functional option for Store construction.
type Option func(*Store)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithRecorder attaches an activity recorder. Recorder failures are logged
// and never surface to callers.
func WithRecorder(r Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithRequestTimeout bounds every gateway call. d ≤ 0 disables the bound,
// in which case a hung call keeps the store loading until it settles.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Store) { s.requestTimeout = d }
}

// WithRefreshPolicy selects how RefreshAll handles a partial failure.
func WithRefreshPolicy(p RefreshPolicy) Option {
	return func(s *Store) { s.refreshPolicy = p }
}

// WithIdentityPolicy selects how overlapping identity fetches resolve.
func WithIdentityPolicy(p IdentityPolicy) Option {
	return func(s *Store) { s.identityPolicy = p }
}

// WithInitialRole sets the role selector before any switch. The default is
// domain.RoleAdmin. No identity is fetched until SetActiveRole is called.
func WithInitialRole(r domain.Role) Option {
	return func(s *Store) { s.role = r }
}

// DefaultRequestTimeout bounds each gateway call when no option overrides it.
const DefaultRequestTimeout = 15 * time.Second

// New creates a Store backed by gw, in the idle state with empty collections.
func New(gw Gateway, opts ...Option) *Store {
	s := &Store{
		gw:             gw,
		logger:         slog.Default(),
		requestTimeout: DefaultRequestTimeout,
		refreshPolicy:  RefreshAllOrNothing,
		identityPolicy: IdentityLastResolved,
		now:            time.Now,
		status:         StatusIdle,
		signals:        []domain.Signal{},
		zones:          []domain.Zone{},
		stats:          domain.Stats{Trend: []int{}},
		notifications:  []domain.Notification{},
		replaced:       make(map[Kind]uint64, len(refreshOrder)),
		role:           domain.RoleAdmin,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lifetime, s.cancel = context.WithCancel(context.Background())
	s.hub = newHub(s.logger)
	return s
}

// Close cancels in-flight identity fetches, waits for them to exit and closes
// every subscription. The Store must not be used afterwards.
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()
	s.hub.close()
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe returns a channel that immediately receives the current snapshot
// and then every subsequent one. The channel holds a single pending value: a
// newer snapshot replaces an unread older one, so a slow consumer skips
// intermediate states but always converges on the latest.
//
// The channel is closed when ctx is cancelled, when Unsubscribe is called, or
// when the Store is closed.
func (s *Store) Subscribe(ctx context.Context) <-chan Snapshot {
	s.mu.Lock()
	ch, done := s.hub.subscribe(s.snapshotLocked())
	s.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.hub.unsubscribe(ch)
			case <-done:
			}
		}()
	}
	return ch
}

// Unsubscribe releases ch and closes it. Unknown channels are ignored.
func (s *Store) Unsubscribe(ch <-chan Snapshot) {
	s.hub.unsubscribe(ch)
}

// ToggleTheme flips the dark-mode flag and returns the new value. It has no
// remote effect and is not persisted beyond the process lifetime.
func (s *Store) ToggleTheme() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dark = !s.dark
	s.publishLocked()
	return s.dark
}

// ─── Internal helpers ─────────────────────────────────────────────────────────

// snapshotLocked copies the state. s.mu must be held.
func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Version:       s.version,
		Status:        s.status,
		Loading:       s.status == StatusLoading,
		Error:         s.errMsg,
		Stale:         slices.Clone(s.stale),
		Signals:       slices.Clone(s.signals),
		Zones:         slices.Clone(s.zones),
		Stats:         s.stats.Clone(),
		Notifications: slices.Clone(s.notifications),
		Role:          s.role,
		UserRole:      s.userRole,
		Dark:          s.dark,
	}
	if s.user != nil {
		u := *s.user
		snap.User = &u
	}
	return snap
}

// publishLocked bumps the version and fans the new snapshot out. s.mu must be
// held so that subscribers observe versions in order.
func (s *Store) publishLocked() {
	s.version++
	s.hub.publish(s.snapshotLocked())
}

// bound derives the per-call context for one gateway request. The returned
// cancel must always be called.
func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.requestTimeout)
}

// failLocked records err in the error slot. s.mu must be held; the caller
// publishes.
func (s *Store) failLocked(op string, err error) {
	s.errMsg = fmt.Sprintf("%s: %s", op, gateway.Message(err))
}

// fail stores err in the error slot, publishes, and records the outcome.
func (s *Store) fail(ctx context.Context, op, target string, err error) {
	s.mu.Lock()
	s.failLocked(op, err)
	s.publishLocked()
	s.mu.Unlock()

	s.logger.Warn("store: operation failed",
		slog.String("op", op),
		slog.String("target", target),
		slog.Any("error", err),
	)
	s.record(ctx, op, target, err)
}

// clearErrorLocked resets the error slot after a successful operation. An
// unresolved refresh failure is restored rather than dropped, so the slot is
// never empty while the status reports error. It reports whether anything
// changed.
func (s *Store) clearErrorLocked() bool {
	if s.errMsg == s.refreshErr {
		return false
	}
	s.errMsg = s.refreshErr
	return true
}

// markStaleLocked adds k to the stale set (no duplicates).
func (s *Store) markStaleLocked(k Kind) {
	if !slices.Contains(s.stale, k) {
		s.stale = append(s.stale, k)
	}
}

// markFreshLocked removes k from the stale set.
func (s *Store) markFreshLocked(k Kind) {
	s.stale = slices.DeleteFunc(s.stale, func(x Kind) bool { return x == k })
}

// replacedLocked records that k now holds a server value and clears its stale
// flag. The caller must publish before releasing s.mu.
func (s *Store) replacedLocked(k Kind) {
	s.markFreshLocked(k)
	s.replaced[k] = s.version + 1
}

// replacedSince reports whether k was replaced by a change published after
// version v.
func (s *Store) replacedSince(k Kind, v uint64) bool {
	return s.replaced[k] > v
}

// record forwards one outcome to the recorder, outside the store lock.
func (s *Store) record(ctx context.Context, op, target string, err error) {
	if s.recorder == nil {
		return
	}
	a := Activity{Op: op, Target: target, OK: err == nil, At: s.now().UTC()}
	if err != nil {
		a.Message = gateway.Message(err)
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if rerr := s.recorder.Record(rctx, a); rerr != nil {
		s.logger.Warn("store: activity record failed",
			slog.String("op", op),
			slog.Any("error", rerr),
		)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (s *Store) SubscriberCount() int {
	return s.hub.count()
}

func orEmpty[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
