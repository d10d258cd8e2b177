package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tablesync/orderengine/internal/platform/httpx"
	"github.com/tablesync/orderengine/internal/services"
)

type historyEntryPayload struct {
	Seq         int64           `json:"seq"`
	ID          string          `json:"id"`
	Command     string          `json:"command"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
	Actor       string          `json:"actor,omitempty"`
	OrderID     int64           `json:"order_id"`
	Events      []eventPayload  `json:"events"`
	ExecutedAt  time.Time       `json:"executed_at"`
	Compensates int64           `json:"compensates,omitempty"`
}

type historyResponse struct {
	Commands []historyEntryPayload `json:"commands"`
}

type replayResponse struct {
	Replayed int `json:"replayed"`
}

// CommandHandlers exposes the command history, replay and undo.
type CommandHandlers struct {
	engine services.OrderEngine
}

// NewCommandHandlers constructs a new CommandHandlers instance.
func NewCommandHandlers(engine services.OrderEngine) *CommandHandlers {
	return &CommandHandlers{engine: engine}
}

// Routes registers the /commands endpoints on the API root.
func (h *CommandHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/commands", h.history)
	r.Post("/commands:undo", h.undo)
	r.Post("/commands:replay", h.replay)
}

func (h *CommandHandlers) history(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.engine == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_engine_unavailable", "order engine unavailable", http.StatusServiceUnavailable))
		return
	}
	entries := h.engine.History()
	resp := historyResponse{Commands: make([]historyEntryPayload, 0, len(entries))}
	for _, entry := range entries {
		payload := historyEntryPayload{
			Seq:         entry.Seq,
			ID:          entry.ID,
			RequestID:   entry.RequestID,
			Actor:       entry.Actor,
			OrderID:     entry.OrderID,
			Events:      buildEventPayloads(entry.Events),
			ExecutedAt:  entry.ExecutedAt,
			Compensates: entry.Compensates,
		}
		if entry.Command != nil {
			payload.Command = entry.Command.Name()
			if args, err := json.Marshal(entry.Command); err == nil {
				payload.Arguments = args
			}
		}
		resp.Commands = append(resp.Commands, payload)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *CommandHandlers) undo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.engine == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_engine_unavailable", "order engine unavailable", http.StatusServiceUnavailable))
		return
	}
	result, err := h.engine.Undo(ctx, executeOptions(r))
	writeCommandResult(ctx, w, http.StatusOK, result, err)
}

func (h *CommandHandlers) replay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.engine == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_engine_unavailable", "order engine unavailable", http.StatusServiceUnavailable))
		return
	}
	count, err := h.engine.Replay(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("replay_interrupted", err.Error(), http.StatusServiceUnavailable).
			WithDetails(map[string]any{"replayed": count}))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, replayResponse{Replayed: count})
}
