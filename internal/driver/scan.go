package driver

import (
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// kindForTypeName maps a back-end column type name to a cell kind. Only the
// text/blob split matters for scanning ([]byte cells are ambiguous); the
// rest is advisory typing for clients.
func kindForTypeName(typeName string) CellKind {
	t := strings.ToUpper(typeName)
	switch {
	case strings.Contains(t, "BLOB"), strings.Contains(t, "BYTEA"),
		strings.Contains(t, "BINARY"):
		return KindBlob
	case strings.Contains(t, "INT"):
		return KindInteger
	case strings.Contains(t, "BOOL"):
		return KindBool
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"),
		strings.Contains(t, "DOUB"), strings.Contains(t, "NUMERIC"),
		strings.Contains(t, "DECIMAL"):
		return KindFloat
	case strings.Contains(t, "DATE"), strings.Contains(t, "TIME"):
		return KindTimestamp
	default:
		return KindText
	}
}

// convertCell turns a scanned driver value into its JSON-ready form,
// applying the field-size cap to text and blob cells.
func convertCell(v any, kind CellKind, maxFieldSize int64) any {
	switch val := v.(type) {
	case nil:
		return nil
	case int64, float64, bool:
		return val
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case string:
		if int64(len(val)) > maxFieldSize {
			return oversizePlaceholder(KindText, len(val))
		}
		return val
	case []byte:
		if kind == KindBlob {
			if int64(len(val)) > maxFieldSize {
				return oversizePlaceholder(KindBlob, len(val))
			}
			return base64.StdEncoding.EncodeToString(val)
		}
		if int64(len(val)) > maxFieldSize {
			return oversizePlaceholder(KindText, len(val))
		}
		return string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// scanResultSet drains rows into a ResultSet, applying the row and field
// caps. The rows are always closed before returning.
func scanResultSet(rows *sql.Rows, limits Limits) (*ResultSet, error) {
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("reading column types: %w", err)
	}

	rs := &ResultSet{Columns: make([]Column, len(colTypes))}
	kinds := make([]CellKind, len(colTypes))
	for i, ct := range colTypes {
		rs.Columns[i] = Column{
			Name: ct.Name(),
			Type: strings.ToUpper(ct.DatabaseTypeName()),
		}
		kinds[i] = kindForTypeName(ct.DatabaseTypeName())
	}

	maxRows := limits.maxRows()
	maxField := limits.maxFieldSize()

	dest := make([]any, len(colTypes))
	ptrs := make([]any, len(colTypes))
	for i := range dest {
		ptrs[i] = &dest[i]
	}

	for rows.Next() {
		if int64(len(rs.Rows)) >= maxRows {
			rs.Truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		row := make([]any, len(dest))
		for i, v := range dest {
			row[i] = convertCell(v, kinds[i], maxField)
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if rs.Rows == nil {
		rs.Rows = [][]any{}
	}
	return rs, nil
}
