package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/planprep/enrichment/internal/agent"
	"github.com/planprep/enrichment/internal/apptype"
	"github.com/planprep/enrichment/internal/buildinfo"
	"github.com/planprep/enrichment/internal/database"
	"github.com/planprep/enrichment/internal/pipeline"
)

// Handler serves the enrichment HTTP API.
type Handler struct {
	db     *database.Manager
	orch   *pipeline.Orchestrator
	logger *zap.Logger
}

func NewHandler(db *database.Manager, orch *pipeline.Orchestrator, logger *zap.Logger) *Handler {
	return &Handler{db: db, orch: orch, logger: logger}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildinfo.Version,
	})
}

func (h *Handler) UpsertChat(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")

	var chat apptype.Chat
	if err := json.NewDecoder(r.Body).Decode(&chat); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if chat.ID == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chat id is required"})
		return
	}

	if err := h.db.UpsertChat(r.Context(), studentID, chat); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"id": chat.ID})
}

func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")

	chats, err := h.db.ListChats(r.Context(), studentID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, apptype.ChatsResult{Chats: chats})
}

func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")
	chatID := chi.URLParam(r, "chatID")

	chat, err := h.db.GetChat(r.Context(), studentID, chatID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, err)
		return
	}
	h.writeJSON(w, http.StatusOK, chat)
}

func (h *Handler) AppendMessage(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")
	chatID := chi.URLParam(r, "chatID")

	var msg apptype.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.db.AppendMessage(r.Context(), studentID, chatID, msg); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"chatId": chatID})
}

// ndjsonReporter relays pipeline events to the client as they happen.
type ndjsonReporter struct {
	enc     *json.Encoder
	flusher http.Flusher
	logger  *zap.Logger
}

func (rep *ndjsonReporter) Report(ev agent.Event) {
	if err := rep.enc.Encode(ev); err != nil {
		rep.logger.Warn("failed to relay pipeline event", zap.Error(err))
		return
	}
	if rep.flusher != nil {
		rep.flusher.Flush()
	}
}

func (h *Handler) newStreamReporter(w http.ResponseWriter) *ndjsonReporter {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	return &ndjsonReporter{enc: json.NewEncoder(w), flusher: flusher, logger: h.logger}
}

func (h *Handler) ProcessChat(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")
	chatID := chi.URLParam(r, "chatID")

	mode, err := agent.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	rep := h.newStreamReporter(w)
	if err := h.orch.ProcessChat(r.Context(), studentID, chatID, mode, rep); err != nil {
		// Status is already written; report the failure in-stream.
		rep.Report(agent.Event{Type: agent.EventError, Content: err.Error()})
	}
}

func (h *Handler) ProcessAll(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")

	mode, err := agent.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	rep := h.newStreamReporter(w)
	if _, err := h.orch.ProcessAll(r.Context(), studentID, mode, rep); err != nil {
		rep.Report(agent.Event{Type: agent.EventError, Content: err.Error()})
	}
}

func (h *Handler) MarkUnprocessed(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")

	var req struct {
		ChatIDs []string `json:"chatIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.orch.MarkUnprocessed(r.Context(), studentID, req.ChatIDs); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"updated": len(req.ChatIDs)})
}

func (h *Handler) ReconcileStale(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")

	touched, err := h.orch.ReconcileStale(r.Context(), studentID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, apptype.ReconcileResult{ChatIDs: touched})
}

func (h *Handler) ReadGraph(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")

	graph, err := h.db.ReadGraph(r.Context(), studentID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, graph)
}

func (h *Handler) ListLocations(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")

	locations, err := h.db.ListLocations(r.Context(), studentID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, apptype.LocationsResult{Locations: locations})
}

func (h *Handler) DeleteLocation(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")
	locationID := chi.URLParam(r, "locationID")

	if err := h.db.DeleteLocation(r.Context(), studentID, locationID); err != nil {
		h.writeError(w, http.StatusNotFound, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"deleted": locationID})
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")

	tasks, err := h.db.ListTasks(r.Context(), studentID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}
