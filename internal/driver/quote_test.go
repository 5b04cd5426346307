package driver

import "testing"

func TestQuoteIdent(t *testing.T) {
	tests := []struct {
		style quoteStyle
		in    string
		want  string
	}{
		{quoteDouble, "users", `"users"`},
		{quoteDouble, `we"ird`, `"we""ird"`},
		{quoteDouble, "drop table", `"drop table"`},
		{quoteBacktick, "users", "`users`"},
		{quoteBacktick, "we`ird", "`we``ird`"},
	}
	for _, tt := range tests {
		if got := tt.style.quoteIdent(tt.in); got != tt.want {
			t.Errorf("quoteIdent(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestQuoteTable(t *testing.T) {
	tests := []struct {
		style quoteStyle
		in    string
		want  string
	}{
		{quoteDouble, "users", `"users"`},
		{quoteDouble, "public.users", `"public"."users"`},
		{quoteBacktick, "shop.orders", "`shop`.`orders`"},
		// Only the first dot splits; anything after is part of the name.
		{quoteDouble, "a.b.c", `"a"."b.c"`},
	}
	for _, tt := range tests {
		if got := tt.style.quoteTable(tt.in); got != tt.want {
			t.Errorf("quoteTable(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestSplitQualified(t *testing.T) {
	if s, n := splitQualified("public.users"); s != "public" || n != "users" {
		t.Errorf("splitQualified(public.users) = %q, %q", s, n)
	}
	if s, n := splitQualified("users"); s != "" || n != "users" {
		t.Errorf("splitQualified(users) = %q, %q", s, n)
	}
}
