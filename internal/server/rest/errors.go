package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/earlyshield/dashboard/internal/gateway"
	"github.com/earlyshield/dashboard/internal/store"
)

// staleHeader is set on successful mutation responses whose follow-up stats
// refresh failed.
const staleHeader = "X-Stats-Stale"

// writeJSONError writes an HTTP error response with a JSON body.
// It sets the Content-Type header before writing the status code so that
// the header is included even when ResponseWriter buffers are flushed early.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := fmt.Sprintf(`{"error":%q}`, detail)
	_, _ = w.Write([]byte(body))
}

// writeError is a thin wrapper around writeJSONError for handler code.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONError(w, code, msg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type validationBody struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

type refreshBody struct {
	Error  string       `json:"error"`
	Failed []store.Kind `json:"failed"`
}

// writeStoreError maps a store or gateway failure onto an HTTP status.
//
//	*gateway.ValidationError   422 with the offending fields
//	404 from the backend       404
//	*store.RefreshError        502 with the failed kinds
//	deadline exceeded          504
//	anything else              502
func writeStoreError(w http.ResponseWriter, err error) {
	var (
		ve   *gateway.ValidationError
		rerr *store.RefreshError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, validationBody{Error: ve.Message, Fields: ve.Fields})
	case gateway.IsNotFound(err):
		writeError(w, http.StatusNotFound, gateway.Message(err))
	case errors.As(err, &rerr):
		writeJSON(w, http.StatusBadGateway, refreshBody{Error: rerr.Error(), Failed: rerr.Kinds()})
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "backend did not respond in time")
	default:
		writeError(w, http.StatusBadGateway, gateway.Message(err))
	}
}

// mutationResult is the body of a successful mutation: the confirmed entity
// (when there is one) and the snapshot after it was applied.
type mutationResult struct {
	Result   any            `json:"result,omitempty"`
	Snapshot store.Snapshot `json:"snapshot"`
}

// writeMutation answers a signal mutation. A stale-stats failure still counts
// as success and is flagged with the X-Stats-Stale header.
func (s *Server) writeMutation(w http.ResponseWriter, code int, result any, err error) {
	if err != nil {
		if !errors.Is(err, store.ErrStatsStale) {
			writeStoreError(w, err)
			return
		}
		w.Header().Set(staleHeader, "true")
	}
	writeJSON(w, code, mutationResult{Result: result, Snapshot: s.store.Snapshot()})
}
