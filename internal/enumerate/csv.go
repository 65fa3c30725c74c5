package enumerate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
)

// csvEnumerator turns each row of a CSV file into an item payload keyed by
// column name.
type csvEnumerator struct {
	filePath  string
	idColumn  string
	delimiter string
	hasHeader bool
	columns   []string
	limit     int
}

func newCSVEnumerator(config map[string]any) Enumerator {
	return &csvEnumerator{
		filePath:  cfgString(config, "file_path", ""),
		idColumn:  cfgString(config, "id_column", ""),
		delimiter: cfgString(config, "delimiter", ","),
		hasHeader: cfgBool(config, "has_header", true),
		columns:   cfgStrings(config, "columns"),
		limit:     cfgInt(config, "limit"),
	}
}

func (e *csvEnumerator) Validate() error {
	if e.filePath == "" {
		return errors.New("file_path is required")
	}
	info, err := os.Stat(e.filePath)
	if err != nil {
		return fmt.Errorf("CSV file not found: %s", e.filePath)
	}
	if info.IsDir() {
		return fmt.Errorf("path is not a file: %s", e.filePath)
	}
	if !e.hasHeader && len(e.columns) == 0 {
		return errors.New("columns required when has_header is false")
	}
	return nil
}

func (e *csvEnumerator) Enumerate() (*Result, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	f, err := os.Open(e.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	if e.delimiter != "" {
		reader.Comma = rune(e.delimiter[0])
	}
	reader.FieldsPerRecord = -1

	columns := e.columns
	if e.hasHeader {
		header, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				return &Result{Metadata: e.metadata(nil, 0)}, nil
			}
			return nil, fmt.Errorf("CSV parsing error: %w", err)
		}
		columns = header
	}

	var items []map[string]any
	for idx := 0; ; idx++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("CSV parsing error: %w", err)
		}
		// Ragged rows are skipped rather than failing the whole file.
		if len(row) != len(columns) {
			continue
		}

		item := make(map[string]any, len(columns)+2)
		for i, col := range columns {
			item[col] = row[i]
		}
		item["_row_index"] = idx
		if e.idColumn != "" {
			if id, ok := item[e.idColumn]; ok {
				item["_id"] = id
			}
		}
		items = append(items, item)

		if e.limit > 0 && len(items) >= e.limit {
			break
		}
	}

	return &Result{Items: items, Metadata: e.metadata(columns, len(items))}, nil
}

func (e *csvEnumerator) metadata(columns []string, rows int) map[string]any {
	if columns == nil {
		columns = []string{}
	}
	return map[string]any{
		"file_path": e.filePath,
		"columns":   columns,
		"row_count": rows,
	}
}

func (e *csvEnumerator) Sample() (map[string]any, error) {
	sampler := *e
	sampler.limit = 1
	res, err := sampler.Enumerate()
	if err != nil {
		return nil, err
	}
	if len(res.Items) == 0 {
		return nil, errors.New("CSV file has no rows")
	}
	return res.Items[0], nil
}
