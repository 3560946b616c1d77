package node

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/kimhsiao/nodesync/internal/errors"
	"github.com/kimhsiao/nodesync/internal/logging"
	"github.com/kimhsiao/nodesync/internal/models"
	"github.com/kimhsiao/nodesync/internal/sync/conflict"
)

// adminHandler serves operator endpoints under /api/sync/admin.
type adminHandler struct {
	node *Node
}

func newAdminRouter(n *Node) http.Handler {
	h := &adminHandler{node: n}
	r := chi.NewRouter()
	r.Get("/status", h.GetStatus)
	r.Post("/sync", h.TriggerSync)
	r.Post("/online", h.SetOnline)
	r.Get("/dead-letters", h.ListDeadLetters)
	r.Get("/conflicts", h.ListConflicts)
	r.Post("/cleanup", h.Cleanup)
	return r
}

// =====================================================
// Status and Trigger Endpoints
// =====================================================

// GetStatus handles GET /admin/status
// Returns the scheduler state with the per-peer sync status.
func (h *adminHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.node.sched.GetStatus())
}

// TriggerSync handles POST /admin/sync
// Pushes one batch to every target peer and reports per-peer results.
func (h *adminHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	results, err := h.node.sched.SyncNow(r.Context())
	response := map[string]interface{}{
		"status":  "success",
		"results": results,
	}
	if err != nil {
		response["status"] = "partial"
		response["error"] = err.Error()
		if code := apperrors.CodeOf(err); code != "" {
			response["code"] = string(code)
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// SetOnline handles POST /admin/online
// Switches the scheduler between online and offline mode.
func (h *adminHandler) SetOnline(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	h.node.sched.SetOnlineStatus(request.Online)
	writeJSON(w, http.StatusOK, map[string]interface{}{"online": request.Online})
}

// =====================================================
// Inspection Endpoints
// =====================================================

// ListDeadLetters handles GET /admin/dead-letters?limit=N
func (h *adminHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	events, err := h.node.housekeeper.DeadLetters(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []*models.ChangeEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

// ListConflicts handles GET /admin/conflicts?table=T&record=R&limit=N
// Without table and record it lists resolutions for every record.
func (h *adminHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	key := models.RecordKey{
		Table:    r.URL.Query().Get("table"),
		RecordID: r.URL.Query().Get("record"),
	}
	if (key.Table == "") != (key.RecordID == "") {
		writeError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrInvalid, "table and record must be given together"))
		return
	}
	resolutions, err := conflict.NewJournal(h.node.db).List(r.Context(), key, queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if resolutions == nil {
		resolutions = []*models.ConflictResolution{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"resolutions": resolutions, "count": len(resolutions)})
}

// Cleanup handles POST /admin/cleanup
// Runs one retention pass with the configured retention.
func (h *adminHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	result, err := h.node.housekeeper.Cleanup(r.Context(), h.node.cfg.Sync.Retention)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode admin response", err, nil)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := map[string]interface{}{"error": err.Error()}
	if code := apperrors.CodeOf(err); code != "" {
		body["code"] = string(code)
	}
	writeJSON(w, status, body)
}
