package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseArgs(t *testing.T) {
	got := parseArgs([]string{"3", "hello", `"quoted"`, `{"a":1}`, "true", " 2.5 "})
	want := []any{float64(3), "hello", "quoted", map[string]any{"a": float64(1)}, true, 2.5}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("parseArgs (-want +got):\n%s", diff)
	}
}
