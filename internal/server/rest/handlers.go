package rest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/earlyshield/dashboard/internal/domain"
	"github.com/earlyshield/dashboard/internal/journal"
)

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 500
)

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetSnapshot responds to GET /api/v1/snapshot with the current store
// state.
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

// handleRefresh responds to POST /api/v1/refresh.
//
// Returns HTTP 200 with the new snapshot once all four collections were
// fetched, or HTTP 502 listing the kinds that failed.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RefreshAll(r.Context()); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

// handleCreateSignal responds to POST /api/v1/signals.
//
// The body is a signal draft. Returns HTTP 201 with the server-assigned
// signal and the resulting snapshot.
func (s *Server) handleCreateSignal(w http.ResponseWriter, r *http.Request) {
	var draft domain.SignalDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON signal draft")
		return
	}
	created, err := s.store.AddSignal(r.Context(), draft)
	s.writeMutation(w, http.StatusCreated, created, err)
}

// handleSetSignalStatus responds to PATCH /api/v1/signals/{id}/status.
//
// Body: {"status": "Open" | "Investigating" | "Resolved"}.
func (s *Server) handleSetSignalStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Status domain.SignalStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, `request body must be {"status": ...}`)
		return
	}
	updated, err := s.store.SetSignalStatus(r.Context(), id, body.Status)
	s.writeMutation(w, http.StatusOK, updated, err)
}

// handleMarkNotificationRead responds to PATCH /api/v1/notifications/{id}/read.
func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "notification id must be an integer")
		return
	}
	if err := s.store.MarkNotificationRead(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResult{Snapshot: s.store.Snapshot()})
}

// handleMarkAllNotificationsRead responds to
// POST /api/v1/notifications/mark-all-read.
func (s *Server) handleMarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	if err := s.store.MarkAllNotificationsRead(r.Context()); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResult{Snapshot: s.store.Snapshot()})
}

type roleSwitchBody struct {
	Role domain.Role `json:"role"`
	Seq  uint64      `json:"seq"`
}

// handleSetRole responds to PUT /api/v1/role.
//
// The selector changes before the response is written; the identity fetch
// continues in the background, so the reply is HTTP 202 with the switch
// sequence number. Subscribers see the new identity when it lands.
func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, `request body must be {"role": ...}`)
		return
	}
	role, err := domain.ParseRole(body.Role)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, validationBody{Error: err.Error(), Fields: []string{"role"}})
		return
	}
	rs, err := s.store.SetActiveRole(role)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, roleSwitchBody{Role: rs.Role(), Seq: rs.Seq()})
}

// handleUpdateUser responds to PATCH /api/v1/user.
//
// The body is a partial user (name, email, department). The projection is
// replaced with the server's returned identity.
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var patch domain.UserPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON user patch")
		return
	}
	if patch.Empty() {
		writeError(w, http.StatusUnprocessableEntity, "user patch changes nothing")
		return
	}
	u, err := s.store.UpdateActiveUser(r.Context(), patch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResult{Result: u, Snapshot: s.store.Snapshot()})
}

// handleToggleTheme responds to POST /api/v1/theme/toggle.
func (s *Server) handleToggleTheme(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"dark": s.store.ToggleTheme()})
}

// handleGetActivity responds to GET /api/v1/activity.
//
// Supported query parameters:
//
//	limit – maximum number of entries, newest first (default 50, max 500)
func (s *Server) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	if s.activity == nil {
		writeError(w, http.StatusServiceUnavailable, "activity journal is disabled")
		return
	}

	limit := defaultActivityLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		limit = min(n, maxActivityLimit)
	}

	entries, err := s.activity.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("rest: activity query failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to query activity")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
