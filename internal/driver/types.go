package driver

import "fmt"

// CellKind classifies a result cell for clients that render typed values.
type CellKind int

const (
	KindNull CellKind = iota
	KindInteger
	KindFloat
	KindBool
	KindText
	KindBlob
	KindTimestamp
)

func (k CellKind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	case KindTimestamp:
		return "timestamp"
	default:
		return "null"
	}
}

// Column describes one column of a result set.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"` // back-end type name, upper-cased
}

// ResultSet is a rectangular table of already-converted cell values.
// Cells are JSON-ready: int64, float64, bool, string, or nil. Oversized
// text/blob cells have been replaced by a placeholder string and Truncated
// reports whether the row cap clipped the set.
type ResultSet struct {
	Columns   []Column `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated,omitempty"`
}

// ColumnSchema describes one column of a table.
type ColumnSchema struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
	Default    string `json:"default,omitempty"`
	PrimaryKey bool   `json:"primary_key"`
}

// IndexSchema describes one index of a table.
type IndexSchema struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}

// ForeignKeySchema describes one outgoing foreign key of a table.
type ForeignKeySchema struct {
	Column    string `json:"column"`
	RefTable  string `json:"ref_table"`
	RefColumn string `json:"ref_column"`
	OnDelete  string `json:"on_delete,omitempty"`
	OnUpdate  string `json:"on_update,omitempty"`
}

// TableSchema is the full introspection result for one table.
type TableSchema struct {
	Table       string             `json:"table"`
	Columns     []ColumnSchema     `json:"columns"`
	Indexes     []IndexSchema      `json:"indexes"`
	ForeignKeys []ForeignKeySchema `json:"foreign_keys"`
}

// Default caps applied when a connection does not override them.
const (
	DefaultMaxResultRows = 1 << 20
	DefaultMaxFieldSize  = 1 << 20
)

// Limits bounds the memory a single result set may consume.
type Limits struct {
	// MaxRows truncates the row count; the result is flagged Truncated.
	MaxRows int64
	// MaxFieldSize replaces larger text/blob cells with a placeholder.
	MaxFieldSize int64
}

// DefaultLimits returns the caps used when neither config nor the connect
// request override them.
func DefaultLimits() Limits {
	return Limits{MaxRows: DefaultMaxResultRows, MaxFieldSize: DefaultMaxFieldSize}
}

func (l Limits) maxRows() int64 {
	if l.MaxRows <= 0 {
		return DefaultMaxResultRows
	}
	return l.MaxRows
}

func (l Limits) maxFieldSize() int64 {
	if l.MaxFieldSize <= 0 {
		return DefaultMaxFieldSize
	}
	return l.MaxFieldSize
}

// oversizePlaceholder is the fixed stand-in for a cell beyond MaxFieldSize.
// Its content depends only on the cell kind and byte size.
func oversizePlaceholder(kind CellKind, size int) string {
	label := "TEXT"
	if kind == KindBlob {
		label = "DATA"
	}
	return fmt.Sprintf("[%s: %d bytes]", label, size)
}
