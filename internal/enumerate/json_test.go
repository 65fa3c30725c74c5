package enumerate

import (
	"os"
	"path/filepath"
	"testing"
)

func writeJSON(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestJSONEnumeratorRootArray(t *testing.T) {
	path := writeJSON(t, `[{"id": "a", "n": 1}, {"id": "b", "n": 2}]`)

	e, err := New("json", map[string]any{"file_path": path, "id_field": "id"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := e.Enumerate()
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("got %d items, want 2", len(res.Items))
	}
	if res.Items[0]["_id"] != "a" || res.Items[0]["_index"] != 0 {
		t.Errorf("unexpected first item: %v", res.Items[0])
	}
	if res.Metadata["items_path"] != "(root)" {
		t.Errorf("items_path = %v", res.Metadata["items_path"])
	}
}

func TestJSONEnumeratorNestedPath(t *testing.T) {
	path := writeJSON(t, `{"response": {"items": [{"id": "x"}]}}`)

	e, _ := New("json", map[string]any{"file_path": path, "items_path": "response.items"})
	res, err := e.Enumerate()
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0]["id"] != "x" {
		t.Errorf("unexpected items: %v", res.Items)
	}
}

func TestJSONEnumeratorScalarItems(t *testing.T) {
	path := writeJSON(t, `["alpha", "beta"]`)

	e, _ := New("json", map[string]any{"file_path": path})
	res, err := e.Enumerate()
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(res.Items) != 2 || res.Items[1]["value"] != "beta" {
		t.Errorf("scalars not wrapped: %v", res.Items)
	}
}

func TestJSONEnumeratorErrors(t *testing.T) {
	path := writeJSON(t, `{"items": "not an array"}`)

	e, _ := New("json", map[string]any{"file_path": path, "items_path": "items"})
	if _, err := e.Enumerate(); err == nil {
		t.Error("expected error for non-array items")
	}

	e, _ = New("json", map[string]any{"file_path": path, "items_path": "missing.key"})
	if _, err := e.Enumerate(); err == nil {
		t.Error("expected error for missing path")
	}

	bad := writeJSON(t, `{not json`)
	e, _ = New("json", map[string]any{"file_path": bad})
	if _, err := e.Enumerate(); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestJSONEnumeratorLimit(t *testing.T) {
	path := writeJSON(t, `[1, 2, 3, 4]`)

	e, _ := New("json", map[string]any{"file_path": path, "limit": float64(2)})
	res, err := e.Enumerate()
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(res.Items) != 2 {
		t.Errorf("got %d items, want 2", len(res.Items))
	}
}
