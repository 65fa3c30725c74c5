// Package enumerate turns data sources into work item payloads. An
// enumerator runs server-side so the item data itself never travels through
// a conversation, only through the store.
package enumerate

import (
	"fmt"
	"sort"
)

// Result is the outcome of an enumeration.
type Result struct {
	Items    []map[string]any
	Metadata map[string]any
}

// Enumerator produces work item payloads from a configured data source.
type Enumerator interface {
	// Validate checks the configuration without enumerating.
	Validate() error
	// Enumerate produces all item payloads.
	Enumerate() (*Result, error)
}

// Sampler is implemented by enumerators that can cheaply produce a single
// item for a test run.
type Sampler interface {
	Sample() (map[string]any, error)
}

type factory func(config map[string]any) Enumerator

var registry = map[string]factory{
	"file": newFileEnumerator,
	"csv":  newCSVEnumerator,
	"json": newJSONEnumerator,
	"sql":  newSQLEnumerator,
}

// New creates an enumerator by type name.
func New(typ string, config map[string]any) (Enumerator, error) {
	f, ok := registry[typ]
	if !ok {
		return nil, fmt.Errorf("unknown enumerator type %q, available: %v", typ, Types())
	}
	return f(config), nil
}

// Types lists the registered enumerator type names, sorted.
func Types() []string {
	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Config accessors. Enumerator configs arrive as decoded JSON, so numbers
// are float64 and lists are []any.

func cfgString(config map[string]any, key, def string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return def
}

func cfgBool(config map[string]any, key string, def bool) bool {
	if v, ok := config[key].(bool); ok {
		return v
	}
	return def
}

func cfgInt(config map[string]any, key string) int {
	switch v := config[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func cfgStrings(config map[string]any, key string) []string {
	var out []string
	switch v := config[key].(type) {
	case []string:
		return v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
