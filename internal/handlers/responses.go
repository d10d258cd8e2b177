package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tablesync/orderengine/internal/domain"
	"github.com/tablesync/orderengine/internal/platform/httpx"
	"github.com/tablesync/orderengine/internal/platform/idempotency"
	"github.com/tablesync/orderengine/internal/services"
)

type orderPayload struct {
	ID             int64     `json:"id"`
	CustomerID     int64     `json:"customer_id"`
	TotalAmount    float64   `json:"total_amount"`
	Priority       int       `json:"priority"`
	State          string    `json:"state"`
	CancelReason   string    `json:"cancel_reason,omitempty"`
	RefundedAmount float64   `json:"refunded_amount,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Version        int64     `json:"version"`
}

type eventPayload struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	OrderID       int64          `json:"order_id"`
	PreviousState string         `json:"previous_state,omitempty"`
	State         string         `json:"state"`
	Details       string         `json:"details,omitempty"`
	SourceAction  string         `json:"source_action,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

type commandResponse struct {
	Command      string         `json:"command"`
	Order        *orderPayload  `json:"order,omitempty"`
	Events       []eventPayload `json:"events"`
	RefundAmount float64        `json:"refund_amount,omitempty"`
	Replayed     bool           `json:"replayed,omitempty"`
}

type orderListResponse struct {
	Orders []orderPayload `json:"orders"`
}

type orderActionsResponse struct {
	OrderID     int64    `json:"order_id"`
	State       string   `json:"state"`
	Transitions []string `json:"transitions"`
	Commands    []string `json:"commands"`
}

type auditEntryPayload struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	ActorType string         `json:"actor_type"`
	Action    string         `json:"action"`
	Severity  string         `json:"severity"`
	RequestID string         `json:"request_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Diff      map[string]any `json:"diff,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type auditListResponse struct {
	Entries []auditEntryPayload `json:"entries"`
}

func buildOrderPayload(order domain.Order) orderPayload {
	return orderPayload{
		ID:             order.ID,
		CustomerID:     order.CustomerID,
		TotalAmount:    order.TotalAmount,
		Priority:       order.Priority,
		State:          order.State.String(),
		CancelReason:   order.CancelReason,
		RefundedAmount: order.RefundedAmount,
		CreatedAt:      order.CreatedAt,
		UpdatedAt:      order.UpdatedAt,
		Version:        order.Version,
	}
}

func buildEventPayloads(events []domain.Event) []eventPayload {
	out := make([]eventPayload, 0, len(events))
	for _, event := range events {
		out = append(out, eventPayload{
			ID:            event.ID,
			Type:          string(event.Type),
			OrderID:       event.EntityID,
			PreviousState: event.PreviousState.String(),
			State:         event.State.String(),
			Details:       event.Details,
			SourceAction:  event.SourceAction,
			RequestID:     event.RequestID,
			Metadata:      event.Metadata,
			Timestamp:     event.Timestamp,
		})
	}
	return out
}

func buildCommandResponse(result services.CommandResult) commandResponse {
	resp := commandResponse{
		Events:       buildEventPayloads(result.Events),
		RefundAmount: result.RefundAmount,
		Replayed:     result.Replayed,
	}
	if result.Command != nil {
		resp.Command = result.Command.Name()
	}
	if result.Order.ID != 0 {
		order := buildOrderPayload(result.Order)
		resp.Order = &order
	}
	return resp
}

func buildAuditEntries(entries []domain.AuditLogEntry) []auditEntryPayload {
	out := make([]auditEntryPayload, 0, len(entries))
	for _, entry := range entries {
		out = append(out, auditEntryPayload{
			ID:        entry.ID,
			Actor:     entry.Actor,
			ActorType: entry.ActorType,
			Action:    entry.Action,
			Severity:  entry.Severity,
			RequestID: entry.RequestID,
			Metadata:  entry.Metadata,
			Diff:      entry.Diff,
			CreatedAt: entry.CreatedAt,
		})
	}
	return out
}

var errorStatuses = map[string]int{
	services.ErrorCodeIllegalTransition: http.StatusConflict,
	services.ErrorCodeRuleViolation:     http.StatusUnprocessableEntity,
	services.ErrorCodeNotFound:          http.StatusNotFound,
	services.ErrorCodeInvalidInput:      http.StatusBadRequest,
	services.ErrorCodeConflict:          http.StatusConflict,
	services.ErrorCodeInProgress:        http.StatusConflict,
	services.ErrorCodeRequestIDReused:   http.StatusConflict,
	services.ErrorCodeNotCompensable:    http.StatusConflict,
	services.ErrorCodeNothingToUndo:     http.StatusConflict,
	services.ErrorCodeExecution:         http.StatusInternalServerError,
}

func statusForCode(code string) int {
	if status, ok := errorStatuses[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// writeCommandResult writes a successful or replayed command result. Replays of failed commands are written as the
// original error.
func writeCommandResult(ctx context.Context, w http.ResponseWriter, successStatus int, result services.CommandResult, err error) {
	var duplicate *services.DuplicateRequestError
	if errors.As(err, &duplicate) {
		idempotency.MarkReplay(w)
		if !duplicate.Succeeded {
			httpx.WriteError(ctx, w, httpx.NewError(duplicate.ErrorCode, duplicate.ErrorMessage, statusForCode(duplicate.ErrorCode)))
			return
		}
		httpx.WriteJSON(w, successStatus, buildCommandResponse(result))
		return
	}
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, successStatus, buildCommandResponse(result))
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	code := services.ErrorCode(err)
	status := statusForCode(code)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "order command failed"
	}

	apiErr := httpx.NewError(code, message, status)
	var illegal *domain.IllegalTransitionError
	if errors.As(err, &illegal) {
		apiErr = apiErr.WithDetails(map[string]any{
			"from": illegal.From.String(),
			"to":   illegal.To.String(),
		})
	}
	var violation *domain.BusinessRuleViolation
	if errors.As(err, &violation) {
		apiErr = apiErr.WithDetails(map[string]any{"rule": violation.Rule})
	}
	httpx.WriteError(ctx, w, apiErr)
}
