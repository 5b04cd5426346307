package rpc

import "testing"

func TestStatementReturnsRows(t *testing.T) {
	tests := []struct {
		stmt string
		want bool
	}{
		{"SELECT * FROM users", true},
		{"  select 1", true},
		{"Select\n1", true},
		{"SELECT;", true},
		{"(SELECT 1)", false}, // leading paren defeats keyword sniffing
		{"PRAGMA table_info(users)", true},
		{"SHOW TABLES", true},
		{"EXPLAIN SELECT 1", true},
		{"DESCRIBE users", true},
		{"INSERT INTO t VALUES (1)", false},
		{"UPDATE t SET a = 1", false},
		{"DELETE FROM t", false},
		{"CREATE TABLE t (id INT)", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := statementReturnsRows(tt.stmt); got != tt.want {
			t.Errorf("statementReturnsRows(%q) = %v, want %v", tt.stmt, got, tt.want)
		}
	}
}
