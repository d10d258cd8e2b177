// Package postgres implements the order repository on top of pgx. Transactions are picked up from the context
// populated by platform/postgres.DB.RunInTx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tablesync/orderengine/internal/domain"
	pgplatform "github.com/tablesync/orderengine/internal/platform/postgres"
	"github.com/tablesync/orderengine/internal/repositories"
)

const orderColumns = `id, customer_id, total_amount, priority, state, cancel_reason, refunded_amount, created_at, updated_at, version`

// OrderRepository stores orders in the orders table.
type OrderRepository struct {
	db *pgplatform.DB
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(db *pgplatform.DB) (*OrderRepository, error) {
	if db == nil {
		return nil, errors.New("postgres order repository: db is required")
	}
	return &OrderRepository{db: db}, nil
}

func (r *OrderRepository) NextID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.db.Querier(ctx).QueryRow(ctx, `SELECT nextval('orders_id_seq')`).Scan(&id); err != nil {
		return 0, storeError("postgres.orders.next_id", err)
	}
	return id, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	q := r.db.Querier(ctx)
	_, err := q.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		order.ID, order.CustomerID, order.TotalAmount, order.Priority, order.State.String(),
		order.CancelReason, order.RefundedAmount, order.CreatedAt, order.UpdatedAt, order.Version,
	)
	if err != nil {
		return storeError("postgres.orders.insert", err)
	}
	// Explicit ids must not be handed out again by NextID.
	_, err = q.Exec(ctx, `SELECT setval('orders_id_seq', GREATEST($1, (SELECT last_value FROM orders_id_seq)))`, order.ID)
	if err != nil {
		return storeError("postgres.orders.insert", err)
	}
	return nil
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expectedVersion int64) error {
	q := r.db.Querier(ctx)
	tag, err := q.Exec(ctx, `
		UPDATE orders
		SET total_amount = $2, priority = $3, state = $4, cancel_reason = $5, refunded_amount = $6,
			updated_at = $7, version = $8
		WHERE id = $1 AND version = $9`,
		order.ID, order.TotalAmount, order.Priority, order.State.String(), order.CancelReason,
		order.RefundedAmount, order.UpdatedAt, order.Version, expectedVersion,
	)
	if err != nil {
		return storeError("postgres.orders.update", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, order.ID).Scan(&exists); err != nil {
		return storeError("postgres.orders.update", err)
	}
	if !exists {
		return repositories.NewStoreError("postgres.orders.update", repositories.ErrorKindNotFound, fmt.Errorf("order %d", order.ID))
	}
	return repositories.NewStoreError("postgres.orders.update", repositories.ErrorKindConflict,
		fmt.Errorf("order %d is not at version %d", order.ID, expectedVersion))
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID int64) (domain.Order, error) {
	row := r.db.Querier(ctx).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, repositories.NewStoreError("postgres.orders.find", repositories.ErrorKindNotFound, fmt.Errorf("order %d", orderID))
		}
		return domain.Order{}, storeError("postgres.orders.find", err)
	}
	return order, nil
}

// List returns matching orders by ascending id.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	query, args := buildListQuery(filter)
	rows, err := r.db.Querier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, storeError("postgres.orders.list", err)
	}
	defer rows.Close()

	var result []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, storeError("postgres.orders.list", err)
		}
		result = append(result, order)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("postgres.orders.list", err)
	}
	return result, nil
}

func buildListQuery(filter repositories.OrderListFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.CustomerID > 0 {
		args = append(args, filter.CustomerID)
		clauses = append(clauses, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if len(filter.States) > 0 {
		states := make([]string, 0, len(filter.States))
		for _, state := range filter.States {
			states = append(states, state.String())
		}
		args = append(args, states)
		clauses = append(clauses, fmt.Sprintf("state = ANY($%d)", len(args)))
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + orderColumns + ` FROM orders`)
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	b.WriteString(" ORDER BY id")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order domain.Order
		state string
	)
	err := row.Scan(&order.ID, &order.CustomerID, &order.TotalAmount, &order.Priority, &state,
		&order.CancelReason, &order.RefundedAmount, &order.CreatedAt, &order.UpdatedAt, &order.Version)
	if err != nil {
		return domain.Order{}, err
	}
	if order.State, err = domain.ParseOrderState(state); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func storeError(op string, err error) error {
	return repositories.NewStoreError(op, classify(err), err)
}

func classify(err error) repositories.ErrorKind {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return repositories.ErrorKindNotFound
	case pgplatform.ErrorCode(err) == pgplatform.UniqueViolationCode,
		pgplatform.ErrorCode(err) == pgplatform.SerializationFailureCode:
		return repositories.ErrorKindConflict
	case errors.Is(err, context.DeadlineExceeded), pgconn.Timeout(err):
		return repositories.ErrorKindUnavailable
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return repositories.ErrorKindUnavailable
	}
	return repositories.ErrorKindUnknown
}
