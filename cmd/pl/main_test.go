package main

import (
	"testing"
	"unicode/utf8"
)

func TestTruncateCountsRunes(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"bomba", 10, "bomba"},
		{"Vibración", 9, "Vibración"},
		{"Vibración anormal", 10, "Vibración..."},
		{"Calibración según norma", 12, "Calibración..."},
	}
	for _, tc := range cases {
		got := truncate(tc.in, tc.n)
		if got != tc.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) produced invalid UTF-8", tc.in, tc.n)
		}
	}
}

func TestParseMaterials(t *testing.T) {
	got, err := parseMaterials([]string{"sello mecánico:2:unidad:15.50"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("parsed %d materials", len(got))
	}
	m := got[0]
	if m.Name != "sello mecánico" || m.Quantity != 2 || m.Unit != "unidad" || m.UnitCost != 15.50 {
		t.Fatalf("parsed material %+v", m)
	}
	if _, err := parseMaterials([]string{"sello:2:unidad"}); err == nil {
		t.Fatal("short material line must be rejected")
	}
	if _, err := parseMaterials([]string{"sello:dos:unidad:15"}); err == nil {
		t.Fatal("non-numeric quantity must be rejected")
	}
}
