package rest

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/earlyshield/dashboard/internal/assist"
	"github.com/earlyshield/dashboard/internal/domain"
)

// caseSampleSize is how many of the newest signals are analysed when the
// caller names none.
const caseSampleSize = 5

type textBody struct {
	Text string `json:"text"`
}

// requireAssistant answers 503 when no text-generation service is configured.
func (s *Server) requireAssistant(w http.ResponseWriter) bool {
	if s.assistant == nil {
		writeError(w, http.StatusServiceUnavailable, "assistant is not configured")
		return false
	}
	return true
}

// handleAssistChat responds to POST /api/v1/assist/chat.
//
// Body: {"history": [{"role": "user"|"model", "parts": "..."}], "message": "..."}.
// The reply is streamed as text/plain, flushed chunk by chunk.
func (s *Server) handleAssistChat(w http.ResponseWriter, r *http.Request) {
	if !s.requireAssistant(w) {
		return
	}
	var body struct {
		History []assist.Turn `json:"history"`
		Message string        `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Message == "" {
		writeError(w, http.StatusBadRequest, `request body must be {"history": [...], "message": "..."}`)
		return
	}

	chunks, err := s.assistant.Chat(r.Context(), body.History, body.Message)
	if err != nil {
		writeError(w, http.StatusBadGateway, "assistant unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for c := range chunks {
		if c.Err != nil {
			s.logger.Warn("rest: chat stream ended early", slog.Any("error", c.Err))
			return
		}
		if _, err := w.Write([]byte(c.Text)); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// handleAssistZone responds to POST /api/v1/assist/zone.
//
// Body: {"zone": "Main Library", "risk": "Moderate"}.
func (s *Server) handleAssistZone(w http.ResponseWriter, r *http.Request) {
	if !s.requireAssistant(w) {
		return
	}
	var body struct {
		Zone string           `json:"zone"`
		Risk domain.RiskLevel `json:"risk"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Zone == "" {
		writeError(w, http.StatusBadRequest, `request body must be {"zone": "...", "risk": "..."}`)
		return
	}
	if !body.Risk.Valid() {
		writeJSON(w, http.StatusUnprocessableEntity, validationBody{
			Error:  "risk must be one of Low, Moderate, Critical, Stable",
			Fields: []string{"risk"},
		})
		return
	}
	writeJSON(w, http.StatusOK, textBody{Text: s.assistant.AnalyzeZone(r.Context(), body.Zone, body.Risk)})
}

// handleAssistCase responds to POST /api/v1/assist/case.
//
// Body: {"signal_ids": ["42", ...]}. Ids the store does not hold are
// ignored. An empty list analyses the newest five signals.
func (s *Server) handleAssistCase(w http.ResponseWriter, r *http.Request) {
	if !s.requireAssistant(w) {
		return
	}
	var body struct {
		SignalIDs []string `json:"signal_ids"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, `request body must be {"signal_ids": [...]}`)
			return
		}
	}

	held := s.store.Snapshot().Signals
	var picked []domain.Signal
	if len(body.SignalIDs) == 0 {
		picked = held[:min(caseSampleSize, len(held))]
	} else {
		byID := make(map[string]domain.Signal, len(held))
		for _, sig := range held {
			byID[sig.ID] = sig
		}
		for _, id := range body.SignalIDs {
			if sig, ok := byID[id]; ok {
				picked = append(picked, sig)
			}
		}
	}
	if len(picked) == 0 {
		writeError(w, http.StatusNotFound, "no matching signals to analyse")
		return
	}
	writeJSON(w, http.StatusOK, textBody{Text: s.assistant.AnalyzeCase(r.Context(), picked)})
}
