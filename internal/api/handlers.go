package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"pitch-relay/internal/models"
	"pitch-relay/internal/services/collaboration"
	"pitch-relay/internal/telemetry"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

// SessionLedger is what the handlers need from the session repository.
// GetByID wraps gorm.ErrRecordNotFound for an unknown id.
type SessionLedger interface {
	GetByID(ctx context.Context, id string) (*models.PeerSession, error)
	ListRecent(ctx context.Context, limit int) ([]*models.PeerSession, error)
}

// Handler handles HTTP requests
type Handler struct {
	group     *collaboration.BroadcastGroup
	wsHandler *collaboration.WebSocketHandler
	ledger    SessionLedger // nil when the ledger is disabled
}

func NewHandler(
	group *collaboration.BroadcastGroup,
	wsHandler *collaboration.WebSocketHandler,
	ledger SessionLedger,
) *Handler {
	return &Handler{
		group:     group,
		wsHandler: wsHandler,
		ledger:    ledger,
	}
}

// HandleSyncWebSocket serves the sync channel
func (h *Handler) HandleSyncWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleSync(w, r)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"instance": telemetry.InstanceID,
		"peers":    h.group.Len(),
	})
}

func (h *Handler) ListPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"peers": h.group.Peers(),
	})
}

// GetState returns a full snapshot of the shared document
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := h.group.State().Snapshot()
	if !ok {
		http.Error(w, "document does not support snapshots", http.StatusNotImplemented)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(snapshot)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(snapshot)
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		http.Error(w, "session ledger disabled", http.StatusServiceUnavailable)
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	sessions, err := h.ledger.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"limit":    limit,
	})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		http.Error(w, "session ledger disabled", http.StatusServiceUnavailable)
		return
	}

	session, err := h.ledger.GetByID(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, gorm.ErrRecordNotFound) {
		http.Error(w, "peer session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
