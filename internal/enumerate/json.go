package enumerate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// jsonEnumerator reads items from a JSON file. The items array can sit at
// the document root or behind a dot-separated path like "response.items".
type jsonEnumerator struct {
	filePath  string
	itemsPath string
	idField   string
	limit     int
}

func newJSONEnumerator(config map[string]any) Enumerator {
	return &jsonEnumerator{
		filePath:  cfgString(config, "file_path", ""),
		itemsPath: cfgString(config, "items_path", ""),
		idField:   cfgString(config, "id_field", ""),
		limit:     cfgInt(config, "limit"),
	}
}

func (e *jsonEnumerator) Validate() error {
	if e.filePath == "" {
		return errors.New("file_path is required")
	}
	info, err := os.Stat(e.filePath)
	if err != nil {
		return fmt.Errorf("JSON file not found: %s", e.filePath)
	}
	if info.IsDir() {
		return fmt.Errorf("path is not a file: %s", e.filePath)
	}
	return nil
}

func (e *jsonEnumerator) Enumerate() (*Result, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(e.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read JSON file: %w", err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("JSON parsing error: %w", err)
	}

	located, err := e.locate(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to locate items at path %q: %w", e.itemsPath, err)
	}

	list, ok := located.([]any)
	if !ok {
		return nil, fmt.Errorf("items at path %q is not an array", e.itemsPath)
	}

	var items []map[string]any
	for idx, raw := range list {
		var item map[string]any
		if obj, ok := raw.(map[string]any); ok {
			item = make(map[string]any, len(obj)+2)
			for k, v := range obj {
				item[k] = v
			}
		} else {
			// Scalar entries still become payloads.
			item = map[string]any{"value": raw}
		}
		item["_index"] = idx
		if e.idField != "" {
			if id, ok := item[e.idField]; ok {
				item["_id"] = id
			}
		}
		items = append(items, item)

		if e.limit > 0 && len(items) >= e.limit {
			break
		}
	}

	itemsPath := e.itemsPath
	if itemsPath == "" {
		itemsPath = "(root)"
	}
	return &Result{
		Items: items,
		Metadata: map[string]any{
			"file_path":  e.filePath,
			"items_path": itemsPath,
			"item_count": len(items),
		},
	}, nil
}

func (e *jsonEnumerator) locate(doc any) (any, error) {
	if e.itemsPath == "" {
		return doc, nil
	}
	current := doc
	for _, key := range strings.Split(e.itemsPath, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot access %q on non-object", key)
		}
		current, ok = obj[key]
		if !ok {
			return nil, fmt.Errorf("key %q not found", key)
		}
	}
	return current, nil
}

func (e *jsonEnumerator) Sample() (map[string]any, error) {
	sampler := *e
	sampler.limit = 1
	res, err := sampler.Enumerate()
	if err != nil {
		return nil, err
	}
	if len(res.Items) == 0 {
		return nil, errors.New("JSON file has no items")
	}
	return res.Items[0], nil
}
