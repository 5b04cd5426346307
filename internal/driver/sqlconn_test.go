package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockConn(t *testing.T, quotes quoteStyle, ph placeholderFunc) (*sqlConn, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return newSQLConn(db, quotes, ph, DefaultLimits()), mock
}

func expectMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestQueryPageSQL(t *testing.T) {
	c, mock := newMockConn(t, quoteDouble, dollarPlaceholder)
	rows := sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("id").OfType("INTEGER", int64(0)),
	).AddRow(int64(1))
	mock.ExpectQuery(`SELECT * FROM "public"."users" ORDER BY "id" LIMIT $1 OFFSET $2`).
		WithArgs(int64(50), int64(100)).
		WillReturnRows(rows)

	rs, err := c.QueryPage(context.Background(), PageRequest{
		Table:   "public.users",
		Offset:  100,
		Limit:   50,
		OrderBy: "id",
	})
	if err != nil {
		t.Fatalf("query page: %v", err)
	}
	if len(rs.Rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rs.Rows))
	}
	expectMet(t, mock)
}

func TestQueryPageWithoutOrder(t *testing.T) {
	c, mock := newMockConn(t, quoteBacktick, questionPlaceholder)
	rows := sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("id").OfType("BIGINT", int64(0)),
	)
	mock.ExpectQuery("SELECT * FROM `orders` LIMIT ? OFFSET ?").
		WithArgs(int64(1000), int64(0)).
		WillReturnRows(rows)

	if _, err := c.QueryPage(context.Background(), PageRequest{Table: "orders", Limit: 1000}); err != nil {
		t.Fatalf("query page: %v", err)
	}
	expectMet(t, mock)
}

func TestExecReportsAffectedRows(t *testing.T) {
	c, mock := newMockConn(t, quoteDouble, dollarPlaceholder)
	mock.ExpectExec("DELETE FROM logs").WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := c.Exec(context.Background(), "DELETE FROM logs")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if n != 7 {
		t.Fatalf("affected = %d, want 7", n)
	}
	expectMet(t, mock)
}

func TestExecWithoutAffectedCount(t *testing.T) {
	c, mock := newMockConn(t, quoteDouble, dollarPlaceholder)
	mock.ExpectExec("CREATE TABLE t (id INT)").
		WillReturnResult(sqlmock.NewErrorResult(errors.New("no count")))

	n, err := c.Exec(context.Background(), "CREATE TABLE t (id INT)")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if n != -1 {
		t.Fatalf("affected = %d, want -1", n)
	}
	expectMet(t, mock)
}

func TestUpdateCellSQL(t *testing.T) {
	c, mock := newMockConn(t, quoteDouble, dollarPlaceholder)
	mock.ExpectExec(`UPDATE "users" SET "name" = $1 WHERE "id" = $2 AND "region" = $3`).
		WithArgs("bob", int64(9), "eu").
		WillReturnResult(sqlmock.NewResult(0, 1))

	pk := []KeyValue{{Column: "id", Value: int64(9)}, {Column: "region", Value: "eu"}}
	if err := c.UpdateCell(context.Background(), "users", "name", "bob", pk); err != nil {
		t.Fatalf("update: %v", err)
	}
	expectMet(t, mock)
}

func TestUpdateCellRequiresPK(t *testing.T) {
	c, _ := newMockConn(t, quoteDouble, dollarPlaceholder)
	if err := c.UpdateCell(context.Background(), "users", "name", "bob", nil); err == nil {
		t.Fatal("expected error for missing primary key")
	}
}

func TestDeleteRowSQL(t *testing.T) {
	c, mock := newMockConn(t, quoteBacktick, questionPlaceholder)
	mock.ExpectExec("DELETE FROM `users` WHERE `id` = ?").
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := c.DeleteRow(context.Background(), "users", []KeyValue{{Column: "id", Value: int64(3)}}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	expectMet(t, mock)
}

func TestInsertRowOrdersColumns(t *testing.T) {
	c, mock := newMockConn(t, quoteDouble, dollarPlaceholder)
	// Map iteration order is random; the generated SQL must not be.
	mock.ExpectExec(`INSERT INTO "users" ("age", "name") VALUES ($1, $2)`).
		WithArgs(int64(30), "carol").
		WillReturnResult(sqlmock.NewResult(1, 1))

	values := map[string]any{"name": "carol", "age": int64(30)}
	if err := c.InsertRow(context.Background(), "users", values); err != nil {
		t.Fatalf("insert: %v", err)
	}
	expectMet(t, mock)
}

func TestExactCount(t *testing.T) {
	c, mock := newMockConn(t, quoteDouble, dollarPlaceholder)
	mock.ExpectQuery(`SELECT COUNT(*) FROM "users"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1234)))

	n, err := c.ExactCount(context.Background(), "users")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1234 {
		t.Fatalf("count = %d, want 1234", n)
	}
	expectMet(t, mock)
}

func TestPrepareCancelInterruptsStatementContext(t *testing.T) {
	c, _ := newMockConn(t, quoteDouble, dollarPlaceholder)
	h, err := c.PrepareCancel()
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	defer h.Close()

	ctx := h.StatementContext()
	select {
	case <-ctx.Done():
		t.Fatal("context cancelled before Cancel")
	default:
	}
	if err := h.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("context not cancelled")
	}
}
