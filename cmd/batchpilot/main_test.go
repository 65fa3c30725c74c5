package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/anthropics/batchpilot/internal/store"
)

func TestReadEnumeratorConfig(t *testing.T) {
	cfg, err := readEnumeratorConfig(`{"base_directory": "/data", "limit": 5}`)
	if err != nil {
		t.Fatalf("readEnumeratorConfig: %v", err)
	}
	if cfg["base_directory"] != "/data" || cfg["limit"] != float64(5) {
		t.Errorf("cfg = %v", cfg)
	}

	if _, err := readEnumeratorConfig("{not json"); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestReadEnumeratorConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enum.json")
	if err := os.WriteFile(path, []byte(`{"pattern": "*.txt"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := readEnumeratorConfig("@" + path)
	if err != nil {
		t.Fatalf("readEnumeratorConfig: %v", err)
	}
	if cfg["pattern"] != "*.txt" {
		t.Errorf("cfg = %v", cfg)
	}

	if _, err := readEnumeratorConfig("@/does/not/exist.json"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestUnitSummary(t *testing.T) {
	tests := []struct {
		name string
		unit *store.WorkUnit
		want string
	}{
		{
			name: "error first line",
			unit: &store.WorkUnit{Error: "broke badly\nwith details"},
			want: "error: broke badly",
		},
		{
			name: "file path",
			unit: &store.WorkUnit{Payload: map[string]any{"file_path": "/data/a.txt"}},
			want: "/data/a.txt",
		},
		{
			name: "id fallback",
			unit: &store.WorkUnit{Payload: map[string]any{"_id": "row-7"}},
			want: "id=row-7",
		},
		{
			name: "nothing usable",
			unit: &store.WorkUnit{Payload: map[string]any{"n": 1}},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := unitSummary(tt.unit); got != tt.want {
				t.Errorf("unitSummary() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("single"); got != "single" {
		t.Errorf("firstLine = %q", got)
	}
	if got := firstLine("a\nb\nc"); got != "a" {
		t.Errorf("firstLine = %q", got)
	}
	long := strings.Repeat("x", 120)
	if got := firstLine(long); len(got) != 80 {
		t.Errorf("len = %d, want 80", len(got))
	}
}
