package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tablesync/orderengine/internal/domain"
	"github.com/tablesync/orderengine/internal/platform/httpx"
	"github.com/tablesync/orderengine/internal/platform/idempotency"
	"github.com/tablesync/orderengine/internal/platform/requestctx"
	"github.com/tablesync/orderengine/internal/services"
)

const (
	defaultAuditPageSize = 50
	maxListPageSize      = 500
)

type placeOrderRequest struct {
	CustomerID int64   `json:"customer_id"`
	Subtotal   float64 `json:"subtotal"`
	Priority   int     `json:"priority"`
	ApplyTax   bool    `json:"apply_tax"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type modifyOrderRequest struct {
	Subtotal float64 `json:"subtotal"`
	ApplyTax bool    `json:"apply_tax"`
}

// OrderHandlers exposes the order commands and queries.
type OrderHandlers struct {
	engine  services.OrderEngine
	queries services.OrderQueryService
	audit   services.AuditLogService
}

// NewOrderHandlers constructs a new OrderHandlers instance. audit may be nil.
func NewOrderHandlers(engine services.OrderEngine, queries services.OrderQueryService, audit services.AuditLogService) *OrderHandlers {
	return &OrderHandlers{
		engine:  engine,
		queries: queries,
		audit:   audit,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.placeOrder)
	r.Get("/", h.listOrders)
	r.Get("/active", h.activeOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/transitions", h.allowedActions)
	r.Get("/{orderID}/audit", h.auditTrail)
	r.Post("/{orderID}:confirm", h.simpleCommand(func(id int64) services.Command { return services.ConfirmOrder{OrderID: id} }))
	r.Post("/{orderID}:prepare", h.simpleCommand(func(id int64) services.Command { return services.StartPreparing{OrderID: id} }))
	r.Post("/{orderID}:ready", h.simpleCommand(func(id int64) services.Command { return services.MarkReady{OrderID: id} }))
	r.Post("/{orderID}:serve", h.simpleCommand(func(id int64) services.Command { return services.ServeOrder{OrderID: id} }))
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Post("/{orderID}:refund", h.refundOrder)
	r.Post("/{orderID}:modify", h.modifyOrder)
}

func (h *OrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.engineAvailable(ctx, w) {
		return
	}
	var req placeOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(services.ErrorCodeInvalidInput, "request body must be a valid place order payload", http.StatusBadRequest))
		return
	}
	cmd := services.PlaceOrder{
		CustomerID: req.CustomerID,
		Subtotal:   req.Subtotal,
		Priority:   req.Priority,
		ApplyTax:   req.ApplyTax,
	}
	result, err := h.engine.Execute(ctx, cmd, executeOptions(r))
	writeCommandResult(ctx, w, http.StatusCreated, result, err)
}

func (h *OrderHandlers) simpleCommand(build func(orderID int64) services.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if !h.engineAvailable(ctx, w) {
			return
		}
		orderID, ok := orderIDParam(ctx, w, r)
		if !ok {
			return
		}
		result, err := h.engine.Execute(ctx, build(orderID), executeOptions(r))
		writeCommandResult(ctx, w, http.StatusOK, result, err)
	}
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	h.reasonCommand(w, r, func(id int64, reason string) services.Command {
		return services.CancelOrder{OrderID: id, Reason: reason}
	})
}

func (h *OrderHandlers) refundOrder(w http.ResponseWriter, r *http.Request) {
	h.reasonCommand(w, r, func(id int64, reason string) services.Command {
		return services.IssueRefund{OrderID: id, Reason: reason}
	})
}

func (h *OrderHandlers) reasonCommand(w http.ResponseWriter, r *http.Request, build func(int64, string) services.Command) {
	ctx := r.Context()
	if !h.engineAvailable(ctx, w) {
		return
	}
	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(services.ErrorCodeInvalidInput, "request body must contain an optional reason", http.StatusBadRequest))
		return
	}
	result, err := h.engine.Execute(ctx, build(orderID, strings.TrimSpace(req.Reason)), executeOptions(r))
	writeCommandResult(ctx, w, http.StatusOK, result, err)
}

func (h *OrderHandlers) modifyOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.engineAvailable(ctx, w) {
		return
	}
	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}
	var req modifyOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(services.ErrorCodeInvalidInput, "request body must be a valid modify payload", http.StatusBadRequest))
		return
	}
	cmd := services.ModifyOrder{OrderID: orderID, Subtotal: req.Subtotal, ApplyTax: req.ApplyTax}
	result, err := h.engine.Execute(ctx, cmd, executeOptions(r))
	writeCommandResult(ctx, w, http.StatusOK, result, err)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.queriesAvailable(ctx, w) {
		return
	}

	query := r.URL.Query()
	var filter services.OrderFilter
	if raw := strings.TrimSpace(query.Get("customer_id")); raw != "" {
		customerID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || customerID <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError(services.ErrorCodeInvalidInput, "customer_id must be a positive integer", http.StatusBadRequest))
			return
		}
		filter.CustomerID = customerID
	}
	for _, raw := range parseFilterValues(query["state"]) {
		state, err := domain.ParseOrderState(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError(services.ErrorCodeInvalidInput, err.Error(), http.StatusBadRequest))
			return
		}
		filter.States = append(filter.States, state)
	}
	if raw := strings.TrimSpace(query.Get("active")); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError(services.ErrorCodeInvalidInput, "active must be a boolean", http.StatusBadRequest))
			return
		}
		filter.ActiveOnly = active
	}
	limit, ok := limitParam(ctx, w, r, 0)
	if !ok {
		return
	}
	filter.Limit = limit

	orders, err := h.queries.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderList(orders))
}

func (h *OrderHandlers) activeOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.queriesAvailable(ctx, w) {
		return
	}
	limit, ok := limitParam(ctx, w, r, 0)
	if !ok {
		return
	}
	orders, err := h.queries.ActiveOrders(ctx, limit)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderList(orders))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.queriesAvailable(ctx, w) {
		return
	}
	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}
	order, err := h.queries.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) allowedActions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.queriesAvailable(ctx, w) {
		return
	}
	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}
	actions, err := h.queries.AllowedActions(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	transitions := make([]string, 0, len(actions.Transitions))
	for _, state := range actions.Transitions {
		transitions = append(transitions, state.String())
	}
	commands := append([]string{}, actions.Commands...)
	httpx.WriteJSON(w, http.StatusOK, orderActionsResponse{
		OrderID:     actions.OrderID,
		State:       actions.State.String(),
		Transitions: transitions,
		Commands:    commands,
	})
}

func (h *OrderHandlers) auditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.audit == nil {
		httpx.WriteError(ctx, w, httpx.NewError("audit_log_unavailable", "audit log unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}
	limit, ok := limitParam(ctx, w, r, defaultAuditPageSize)
	if !ok {
		return
	}
	entries, err := h.audit.List(ctx, services.AuditLogFilter{
		TargetRef: "orders/" + strconv.FormatInt(orderID, 10),
		Limit:     limit,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, auditListResponse{Entries: buildAuditEntries(entries)})
}

func (h *OrderHandlers) engineAvailable(ctx context.Context, w http.ResponseWriter) bool {
	if h.engine == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_engine_unavailable", "order engine unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func (h *OrderHandlers) queriesAvailable(ctx context.Context, w http.ResponseWriter) bool {
	if h.queries == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func buildOrderList(orders []domain.Order) orderListResponse {
	resp := orderListResponse{Orders: make([]orderPayload, 0, len(orders))}
	for _, order := range orders {
		resp.Orders = append(resp.Orders, buildOrderPayload(order))
	}
	return resp
}

func executeOptions(r *http.Request) services.ExecuteOptions {
	ctx := r.Context()
	return services.ExecuteOptions{
		RequestID: idempotency.RequestIDFromContext(ctx),
		Actor:     requestctx.Actor(ctx),
	}
}

func orderIDParam(ctx context.Context, w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "orderID"))
	orderID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || orderID <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError(services.ErrorCodeInvalidInput, "order id must be a positive integer", http.StatusBadRequest))
		return 0, false
	}
	return orderID, true
}

func limitParam(ctx context.Context, w http.ResponseWriter, r *http.Request, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 || limit > maxListPageSize {
		httpx.WriteError(ctx, w, httpx.NewError(services.ErrorCodeInvalidInput, "limit must be between 0 and 500", http.StatusBadRequest))
		return 0, false
	}
	return limit, true
}

func parseFilterValues(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
