package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	caperrors "github.com/ambientworks/capsuled/internal/errors"
	"github.com/ambientworks/capsuled/internal/lifecycle"
	"github.com/ambientworks/capsuled/internal/models"
)

// Handler exposes the lifecycle API over HTTP.
type Handler struct {
	mgr *lifecycle.Manager
	log *zap.Logger
}

// NewHTTPHandler builds the mux for the daemon's HTTP surface.
func NewHTTPHandler(mgr *lifecycle.Manager, log *zap.Logger) http.Handler {
	h := &Handler{mgr: mgr, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", h.handlePing)
	mux.HandleFunc("/create", h.handleCreate)
	mux.HandleFunc("/get", h.handleGet)
	mux.HandleFunc("/list", h.handleList)
	mux.HandleFunc("/activate", h.action(models.OpActivate))
	mux.HandleFunc("/pause", h.action(models.OpPause))
	mux.HandleFunc("/suspend", h.action(models.OpSuspend))
	mux.HandleFunc("/terminate", h.action(models.OpTerminate))
	mux.HandleFunc("/migrate", h.handleMigrate)
	mux.HandleFunc("/fork", h.handleFork)
	mux.HandleFunc("/op", h.handleOpResult)

	return mux
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"msg": "pong from capsuled"})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string            `json:"agent_id"`
		Config  map[string]string `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.AgentID == "" {
		h.writeError(w, http.StatusBadRequest, "agent_id required")
		return
	}

	id, err := h.mgr.Create(req.AgentID, req.Config)
	if err != nil {
		h.writeLifecycleError(w, err, map[string]string{"id": id})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "id required")
		return
	}
	c, err := h.mgr.Get(id)
	if err != nil {
		h.writeLifecycleError(w, err, nil)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	var states []models.State
	if s := r.URL.Query().Get("state"); s != "" {
		st := models.State(s)
		if !st.Valid() {
			h.writeError(w, http.StatusBadRequest, "unknown state: "+s)
			return
		}
		states = append(states, st)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"capsules": h.mgr.List(states...)})
}

// action builds a handler for the single-capsule operations that need
// only an id.
func (h *Handler) action(op models.OpType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.decodeID(w, r)
		if !ok {
			return
		}
		var err error
		switch op {
		case models.OpActivate:
			err = h.mgr.Activate(id)
		case models.OpPause:
			err = h.mgr.Pause(id)
		case models.OpSuspend:
			err = h.mgr.Suspend(id)
		case models.OpTerminate:
			err = h.mgr.Terminate(id)
		}
		if err != nil {
			h.writeLifecycleError(w, err, nil)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "result": "ok"})
	}
}

func (h *Handler) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID           string `json:"id"`
		TargetDevice string `json:"target_device"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.ID == "" || req.TargetDevice == "" {
		h.writeError(w, http.StatusBadRequest, "id and target_device required")
		return
	}
	if err := h.mgr.Migrate(req.ID, req.TargetDevice); err != nil {
		h.writeLifecycleError(w, err, nil)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": req.ID, "result": "migrated"})
}

func (h *Handler) handleFork(w http.ResponseWriter, r *http.Request) {
	id, ok := h.decodeID(w, r)
	if !ok {
		return
	}
	newID, err := h.mgr.Fork(id)
	if err != nil {
		h.writeLifecycleError(w, err, nil)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "new_id": newID})
}

func (h *Handler) handleOpResult(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "id required")
		return
	}
	res, err := h.mgr.OperationResult(id)
	if err != nil {
		h.writeLifecycleError(w, err, nil)
		return
	}
	out := map[string]any{
		"op_id":        res.OpID,
		"capsule_id":   res.CapsuleID,
		"completed_at": res.CompletedAt,
	}
	if res.NewCapsuleID != "" {
		out["new_capsule_id"] = res.NewCapsuleID
	}
	if res.Err != nil {
		out["error"] = res.Err.Error()
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) decodeID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		ID string `json:"id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.ID == "" {
		h.writeError(w, http.StatusBadRequest, "id required")
		return "", false
	}
	return req.ID, true
}

// writeLifecycleError maps structured lifecycle errors to HTTP statuses
// and keeps the machine-readable code in the body.
func (h *Handler) writeLifecycleError(w http.ResponseWriter, err error, extra map[string]string) {
	body := map[string]any{
		"error": err.Error(),
		"code":  string(caperrors.CodeOf(err)),
	}
	for k, v := range extra {
		if v != "" {
			body[k] = v
		}
	}
	status := caperrors.HTTPStatus(err)
	h.log.Warn("request failed", zap.Int("status", status), zap.Error(err))
	h.writeJSON(w, status, body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
	h.log.Warn("request rejected", zap.Int("status", status), zap.String("reason", msg))
}
