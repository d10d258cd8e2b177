package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/tablesync/orderengine/internal/domain"
	"github.com/tablesync/orderengine/internal/repositories"
)

func TestBuildListQuery(t *testing.T) {
	query, args := buildListQuery(repositories.OrderListFilter{})
	require.Equal(t, `SELECT `+orderColumns+` FROM orders ORDER BY id`, query)
	require.Empty(t, args)

	query, args = buildListQuery(repositories.OrderListFilter{
		CustomerID: 101,
		States:     []domain.OrderState{domain.OrderStateCreated, domain.OrderStateReady},
		Limit:      20,
	})
	require.Equal(t, `SELECT `+orderColumns+` FROM orders WHERE customer_id = $1 AND state = ANY($2) ORDER BY id LIMIT $3`, query)
	require.Equal(t, []any{int64(101), []string{"CREATED", "READY"}, 20}, args)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want repositories.ErrorKind
	}{
		{pgx.ErrNoRows, repositories.ErrorKindNotFound},
		{fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), repositories.ErrorKindConflict},
		{&pgconn.PgError{Code: "40001"}, repositories.ErrorKindConflict},
		{context.DeadlineExceeded, repositories.ErrorKindUnavailable},
		{errors.New("boom"), repositories.ErrorKindUnknown},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, classify(tc.err), tc.err.Error())
	}
}

func TestStoreErrorCategorises(t *testing.T) {
	err := storeError("postgres.orders.insert", &pgconn.PgError{Code: "23505"})
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	require.True(t, repoErr.IsConflict())
	require.False(t, repoErr.IsNotFound())
}

func TestNewOrderRepositoryRequiresDB(t *testing.T) {
	_, err := NewOrderRepository(nil)
	require.Error(t, err)
}
