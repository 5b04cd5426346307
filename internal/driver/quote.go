package driver

import "strings"

// quoteStyle is the identifier quoting convention of a back-end family.
type quoteStyle int

const (
	quoteDouble   quoteStyle = iota // sqlite, postgres: "ident"
	quoteBacktick                   // mysql, mariadb: `ident`
)

// quoteIdent quotes a single identifier, doubling embedded quote characters.
func (q quoteStyle) quoteIdent(ident string) string {
	switch q {
	case quoteBacktick:
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	default:
		return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
	}
}

// quoteTable quotes a possibly schema-qualified table name. When the
// back-end has no schema concept the qualifier is folded into a lookup of
// the bare table name by the caller; here each dotted part is quoted
// separately so "public.users" becomes "public"."users".
func (q quoteStyle) quoteTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	for i, p := range parts {
		parts[i] = q.quoteIdent(p)
	}
	return strings.Join(parts, ".")
}

// splitQualified separates an optional schema qualifier from a table name.
func splitQualified(table string) (schema, name string) {
	if i := strings.IndexByte(table, '.'); i >= 0 {
		return table[:i], table[i+1:]
	}
	return "", table
}
