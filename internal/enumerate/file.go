package enumerate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// fileEnumerator walks a directory and matches files against a glob pattern.
// Patterns support ** for recursive matching.
type fileEnumerator struct {
	baseDir         string
	pattern         string
	excludePatterns []string
	includeHidden   bool
	limit           int
}

func newFileEnumerator(config map[string]any) Enumerator {
	return &fileEnumerator{
		baseDir:         cfgString(config, "base_directory", "."),
		pattern:         cfgString(config, "pattern", "**/*"),
		excludePatterns: cfgStrings(config, "exclude_patterns"),
		includeHidden:   cfgBool(config, "include_hidden", false),
		limit:           cfgInt(config, "limit"),
	}
}

func (e *fileEnumerator) Validate() error {
	info, err := os.Stat(e.baseDir)
	if err != nil {
		return fmt.Errorf("base directory does not exist: %s", e.baseDir)
	}
	if !info.IsDir() {
		return fmt.Errorf("base directory is not a directory: %s", e.baseDir)
	}
	if e.pattern == "" {
		return errors.New("pattern cannot be empty")
	}
	if !doublestar.ValidatePattern(e.pattern) {
		return fmt.Errorf("invalid glob pattern: %s", e.pattern)
	}
	return nil
}

func (e *fileEnumerator) Enumerate() (*Result, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	base, err := filepath.Abs(e.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}

	var items []map[string]any
	stop := errors.New("limit reached")
	err = doublestar.GlobWalk(os.DirFS(base), e.pattern, func(rel string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		if !e.includeHidden && strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		for _, exclude := range e.excludePatterns {
			if ok, _ := doublestar.Match(exclude, rel); ok {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}

		items = append(items, map[string]any{
			"file_path":      filepath.Join(base, rel),
			"relative_path":  rel,
			"file_name":      d.Name(),
			"file_extension": strings.ToLower(filepath.Ext(d.Name())),
			"file_size":      info.Size(),
		})
		if e.limit > 0 && len(items) >= e.limit {
			return stop
		}
		return nil
	})
	if err != nil && !errors.Is(err, stop) {
		return nil, fmt.Errorf("file enumeration failed: %w", err)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i]["file_path"].(string) < items[j]["file_path"].(string)
	})

	extensions := make(map[string]int)
	for _, item := range items {
		ext := item["file_extension"].(string)
		if ext == "" {
			ext = "(no extension)"
		}
		extensions[ext]++
	}

	return &Result{
		Items: items,
		Metadata: map[string]any{
			"base_directory":           base,
			"pattern":                  e.pattern,
			"file_counts_by_extension": extensions,
		},
	}, nil
}

func (e *fileEnumerator) Sample() (map[string]any, error) {
	sampler := *e
	sampler.limit = 1
	res, err := sampler.Enumerate()
	if err != nil {
		return nil, err
	}
	if len(res.Items) == 0 {
		return nil, errors.New("no matching files")
	}
	return res.Items[0], nil
}
