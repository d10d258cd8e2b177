package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tablesync/orderengine/internal/events"
	"github.com/tablesync/orderengine/internal/platform/idempotency"
	"github.com/tablesync/orderengine/internal/platform/observability"
	"github.com/tablesync/orderengine/internal/repositories/memory"
	"github.com/tablesync/orderengine/internal/services"
)

type testServer struct {
	router http.Handler
	engine services.OrderEngine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	guard, err := idempotency.NewGuard(idempotency.GuardDeps{Store: idempotency.NewMemoryStore(), Clock: clock})
	require.NoError(t, err)

	orders := memory.NewOrderRepository()
	engine, err := services.NewOrderEngine(services.OrderEngineDeps{
		Orders:     orders,
		Guard:      guard,
		Dispatcher: events.NewDispatcher(nil),
		Policy:     services.DefaultRulePolicy(),
		Clock:      clock,
	})
	require.NoError(t, err)

	queries, err := services.NewOrderQueryService(services.OrderQueryServiceDeps{Orders: orders})
	require.NoError(t, err)

	audit, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		Repository: memory.NewAuditLogRepository(0),
		Clock:      clock,
	})
	require.NoError(t, err)
	engine.Subscribe("audit", audit.Observe)

	orderHandlers := NewOrderHandlers(engine, queries, audit)
	commandHandlers := NewCommandHandlers(engine)
	router := NewRouter(
		WithMiddlewares(observability.InjectLoggerMiddleware(nil)),
		WithCommandMiddlewares(idempotency.Middleware()),
		WithOrderRoutes(orderHandlers.Routes),
		WithCommandRoutes(commandHandlers.Routes),
	)
	return &testServer{router: router, engine: engine}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func (s *testServer) placeOrder(t *testing.T, customerID int64, subtotal float64) int64 {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/api/v1/orders", placeOrderRequest{CustomerID: customerID, Subtotal: subtotal}, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	resp := decodeBody[commandResponse](t, rr)
	require.NotNil(t, resp.Order)
	return resp.Order.ID
}

func TestOrderHandlersLifecycle(t *testing.T) {
	srv := newTestServer(t)

	rr := srv.do(t, http.MethodPost, "/api/v1/orders", placeOrderRequest{CustomerID: 101, Subtotal: 450}, map[string]string{
		observability.ActorHeader: "kiosk-7",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	placed := decodeBody[commandResponse](t, rr)
	require.Equal(t, services.CommandPlaceOrder, placed.Command)
	require.Equal(t, "CREATED", placed.Order.State)
	require.Equal(t, 450.0, placed.Order.TotalAmount)
	require.Len(t, placed.Events, 1)
	require.Equal(t, "ORDER_PLACED", placed.Events[0].Type)
	require.Empty(t, placed.Events[0].PreviousState)

	id := placed.Order.ID
	base := "/api/v1/orders/" + itoa(id)
	for _, action := range []string{":confirm", ":prepare", ":ready", ":serve"} {
		rr = srv.do(t, http.MethodPost, base+action, nil, nil)
		require.Equal(t, http.StatusOK, rr.Code, action+" "+rr.Body.String())
	}

	rr = srv.do(t, http.MethodPost, base+":refund", reasonRequest{Reason: "cold soup"}, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	refunded := decodeBody[commandResponse](t, rr)
	require.Equal(t, "REFUNDED", refunded.Order.State)
	require.Equal(t, 450.0, refunded.RefundAmount)
	require.Len(t, refunded.Events, 2)

	rr = srv.do(t, http.MethodGet, base, nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	order := decodeBody[orderPayload](t, rr)
	require.Equal(t, "REFUNDED", order.State)
	require.EqualValues(t, 101, order.CustomerID)

	rr = srv.do(t, http.MethodGet, base+"/audit", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	audit := decodeBody[auditListResponse](t, rr)
	require.Len(t, audit.Entries, 7)
	require.Equal(t, "order.order_placed", audit.Entries[len(audit.Entries)-1].Action)
	require.Equal(t, "kiosk-7", audit.Entries[len(audit.Entries)-1].Actor)
}

func TestOrderHandlersErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	id := srv.placeOrder(t, 101, 40)
	base := "/api/v1/orders/" + itoa(id)

	rr := srv.do(t, http.MethodPost, base+":prepare", nil, nil)
	require.Equal(t, http.StatusConflict, rr.Code)
	body := decodeBody[map[string]any](t, rr)
	require.Equal(t, services.ErrorCodeIllegalTransition, body["error"])
	require.Equal(t, "CREATED", body["from"])
	require.Equal(t, "PREPARING", body["to"])

	rr = srv.do(t, http.MethodPost, base+":serve", nil, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	body = decodeBody[map[string]any](t, rr)
	require.Equal(t, services.ErrorCodeRuleViolation, body["error"])

	rr = srv.do(t, http.MethodPost, "/api/v1/orders/999:confirm", nil, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = srv.do(t, http.MethodPost, "/api/v1/orders/abc:confirm", nil, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = srv.do(t, http.MethodPost, "/api/v1/orders", map[string]any{"customer_id": 1, "bogus": true}, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = srv.do(t, http.MethodPost, "/api/v1/orders", placeOrderRequest{CustomerID: 0, Subtotal: 10}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = srv.do(t, http.MethodGet, "/api/v1/orders?state=SHIPPED", nil, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestOrderHandlersIdempotentReplay(t *testing.T) {
	srv := newTestServer(t)
	headers := map[string]string{idempotency.DefaultHeader: "req-place-1"}

	first := srv.do(t, http.MethodPost, "/api/v1/orders", placeOrderRequest{CustomerID: 101, Subtotal: 25}, headers)
	require.Equal(t, http.StatusCreated, first.Code)
	require.Empty(t, first.Header().Get(idempotency.ReplayHeader))

	second := srv.do(t, http.MethodPost, "/api/v1/orders", placeOrderRequest{CustomerID: 101, Subtotal: 25}, headers)
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get(idempotency.ReplayHeader))

	a := decodeBody[commandResponse](t, first)
	b := decodeBody[commandResponse](t, second)
	require.Equal(t, a.Order.ID, b.Order.ID)
	require.True(t, b.Replayed)
	require.Len(t, srv.engine.History(), 1)

	failHeaders := map[string]string{idempotency.DefaultHeader: "req-serve-1"}
	path := "/api/v1/orders/" + itoa(a.Order.ID) + ":serve"
	rr := srv.do(t, http.MethodPost, path, nil, failHeaders)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	rr = srv.do(t, http.MethodPost, path, nil, failHeaders)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Equal(t, "true", rr.Header().Get(idempotency.ReplayHeader))

	rr = srv.do(t, http.MethodPost, "/api/v1/orders/"+itoa(a.Order.ID)+":confirm", nil, failHeaders)
	require.Equal(t, http.StatusConflict, rr.Code)
	body := decodeBody[map[string]any](t, rr)
	require.Equal(t, services.ErrorCodeRequestIDReused, body["error"])
}

func TestOrderHandlersQueries(t *testing.T) {
	srv := newTestServer(t)
	first := srv.placeOrder(t, 101, 10)
	second := srv.placeOrder(t, 202, 10)
	srv.do(t, http.MethodPost, "/api/v1/orders/"+itoa(second)+":cancel", reasonRequest{Reason: "changed mind"}, nil)

	rr := srv.do(t, http.MethodGet, "/api/v1/orders?state=created,cancelled", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, decodeBody[orderListResponse](t, rr).Orders, 2)

	rr = srv.do(t, http.MethodGet, "/api/v1/orders?active=true", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	active := decodeBody[orderListResponse](t, rr).Orders
	require.Len(t, active, 1)
	require.Equal(t, first, active[0].ID)

	rr = srv.do(t, http.MethodGet, "/api/v1/orders/active?limit=5", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, decodeBody[orderListResponse](t, rr).Orders, 1)

	rr = srv.do(t, http.MethodGet, "/api/v1/orders/"+itoa(first)+"/transitions", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	actions := decodeBody[orderActionsResponse](t, rr)
	require.Equal(t, []string{"CONFIRMED", "CANCELLED"}, actions.Transitions)
	require.Contains(t, actions.Commands, services.CommandModifyOrder)

	rr = srv.do(t, http.MethodGet, "/api/v1/orders/"+itoa(second), nil, nil)
	require.Equal(t, "changed mind", decodeBody[orderPayload](t, rr).CancelReason)
}

func TestCommandHandlersHistoryUndoReplay(t *testing.T) {
	srv := newTestServer(t)
	id := srv.placeOrder(t, 101, 30)
	srv.do(t, http.MethodPost, "/api/v1/orders/"+itoa(id)+":confirm", nil, nil)

	rr := srv.do(t, http.MethodGet, "/api/v1/commands", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	history := decodeBody[historyResponse](t, rr)
	require.Len(t, history.Commands, 2)
	require.Equal(t, services.CommandConfirmOrder, history.Commands[1].Command)
	require.JSONEq(t, `{"order_id":`+itoa(id)+`}`, string(history.Commands[1].Arguments))

	rr = srv.do(t, http.MethodPost, "/api/v1/commands:replay", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 2, decodeBody[replayResponse](t, rr).Replayed)

	rr = srv.do(t, http.MethodPost, "/api/v1/commands:undo", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	undone := decodeBody[commandResponse](t, rr)
	require.Equal(t, services.CommandCancelOrder, undone.Command)
	require.Equal(t, "CANCELLED", undone.Order.State)

	rr = srv.do(t, http.MethodPost, "/api/v1/commands:undo", nil, nil)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, services.ErrorCodeNotCompensable, decodeBody[map[string]any](t, rr)["error"])
}

func TestRouterNotFoundAndUnconfiguredGroups(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotImplemented, rr.Code)
}

func TestRouterServesMetrics(t *testing.T) {
	metrics := observability.NewMetrics()
	metrics.ObserveCommand(services.CommandPlaceOrder, "success")
	router := NewRouter(WithMetricsHandler(metrics.Handler()))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil).WithContext(context.Background())
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "orderengine_")
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
