package driver

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestKindForTypeName(t *testing.T) {
	tests := []struct {
		typeName string
		want     CellKind
	}{
		{"INTEGER", KindInteger},
		{"BIGINT", KindInteger},
		{"BOOLEAN", KindBool},
		{"REAL", KindFloat},
		{"DOUBLE PRECISION", KindFloat},
		{"NUMERIC", KindFloat},
		{"BLOB", KindBlob},
		{"BYTEA", KindBlob},
		{"VARBINARY", KindBlob},
		{"TIMESTAMP", KindTimestamp},
		{"DATETIME", KindTimestamp},
		{"TEXT", KindText},
		{"VARCHAR", KindText},
		{"", KindText},
	}
	for _, tt := range tests {
		if got := kindForTypeName(tt.typeName); got != tt.want {
			t.Errorf("kindForTypeName(%q) = %s, want %s", tt.typeName, got, tt.want)
		}
	}
}

func TestConvertCell(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   any
		kind CellKind
		max  int64
		want any
	}{
		{"nil", nil, KindText, 100, nil},
		{"int", int64(42), KindInteger, 100, int64(42)},
		{"float", 3.5, KindFloat, 100, 3.5},
		{"bool", true, KindBool, 100, true},
		{"string", "hello", KindText, 100, "hello"},
		{"time", now, KindTimestamp, 100, "2024-05-01T12:30:00Z"},
		{"bytes as text", []byte("abc"), KindText, 100, "abc"},
		{"blob", []byte{0x01, 0x02}, KindBlob, 100, base64.StdEncoding.EncodeToString([]byte{0x01, 0x02})},
		{"oversize string", strings.Repeat("x", 11), KindText, 10, "[TEXT: 11 bytes]"},
		{"oversize blob", []byte(strings.Repeat("y", 12)), KindBlob, 10, "[DATA: 12 bytes]"},
		{"oversize bytes as text", []byte(strings.Repeat("z", 13)), KindText, 10, "[TEXT: 13 bytes]"},
	}
	for _, tt := range tests {
		if got := convertCell(tt.in, tt.kind, tt.max); got != tt.want {
			t.Errorf("%s: convertCell = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestScanResultSetAppliesRowCap(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("id").OfType("INTEGER", int64(0)),
		sqlmock.NewColumn("name").OfType("TEXT", ""),
	).
		AddRow(int64(1), "one").
		AddRow(int64(2), "two").
		AddRow(int64(3), "three")
	mock.ExpectQuery("SELECT * FROM items").WillReturnRows(rows)

	got, err := db.Query("SELECT * FROM items")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	rs, err := scanResultSet(got, Limits{MaxRows: 2, MaxFieldSize: DefaultMaxFieldSize})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rs.Rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rs.Rows))
	}
	if !rs.Truncated {
		t.Fatal("result not flagged truncated")
	}
	if rs.Columns[0].Name != "id" || rs.Columns[0].Type != "INTEGER" {
		t.Fatalf("column 0 = %+v", rs.Columns[0])
	}
	if rs.Rows[0][1] != "one" {
		t.Fatalf("rows[0][1] = %v, want \"one\"", rs.Rows[0][1])
	}
}

func TestScanResultSetEmpty(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("id").OfType("INTEGER", int64(0)),
	)
	mock.ExpectQuery("SELECT * FROM empty").WillReturnRows(rows)

	got, err := db.Query("SELECT * FROM empty")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	rs, err := scanResultSet(got, DefaultLimits())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if rs.Rows == nil {
		t.Fatal("empty result must serialize as [], not null")
	}
	if rs.Truncated {
		t.Fatal("empty result flagged truncated")
	}
}
