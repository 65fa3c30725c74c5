package enumerate

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

// sqlEnumerator runs a read-only query against a SQLite database and turns
// each row into an item payload keyed by column name.
type sqlEnumerator struct {
	connectionString string
	query            string
	idColumn         string
	params           []any
	limit            int
}

func newSQLEnumerator(config map[string]any) Enumerator {
	var params []any
	if raw, ok := config["params"].([]any); ok {
		params = raw
	}
	return &sqlEnumerator{
		connectionString: cfgString(config, "connection_string", ""),
		query:            cfgString(config, "query", ""),
		idColumn:         cfgString(config, "id_column", ""),
		params:           params,
		limit:            cfgInt(config, "limit"),
	}
}

func (e *sqlEnumerator) Validate() error {
	if e.connectionString == "" {
		return errors.New("connection_string is required")
	}
	if e.query == "" {
		return errors.New("query is required")
	}

	upper := strings.ToUpper(strings.TrimSpace(e.query))
	if !strings.HasPrefix(upper, "SELECT") {
		return errors.New("only SELECT queries are allowed")
	}
	for _, keyword := range []string{"DROP", "DELETE", "UPDATE", "INSERT", "ALTER", "TRUNCATE"} {
		if strings.Contains(upper, keyword) {
			return fmt.Errorf("query contains forbidden keyword: %s", keyword)
		}
	}
	return nil
}

// dbPath strips the sqlite:// scheme prefixes, leaving a file path.
func (e *sqlEnumerator) dbPath() string {
	conn := e.connectionString
	if rest, ok := strings.CutPrefix(conn, "sqlite:///"); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(conn, "sqlite://"); ok {
		return rest
	}
	return conn
}

func (e *sqlEnumerator) Enumerate() (*Result, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	path := e.dbPath()
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("database file not found: %s", path)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	query := e.query
	if e.limit > 0 && !strings.Contains(strings.ToUpper(query), "LIMIT") {
		query = fmt.Sprintf("%s LIMIT %d", query, e.limit)
	}

	rows, err := db.Query(query, e.params...)
	if err != nil {
		return nil, fmt.Errorf("SQL error: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("SQL error: %w", err)
	}

	var items []map[string]any
	for idx := 0; rows.Next(); idx++ {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("SQL error: %w", err)
		}

		item := make(map[string]any, len(columns)+2)
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				item[col] = string(b)
			} else {
				item[col] = values[i]
			}
		}
		item["_row_index"] = idx
		if e.idColumn != "" {
			if id, ok := item[e.idColumn]; ok {
				item["_id"] = id
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SQL error: %w", err)
	}

	return &Result{
		Items: items,
		Metadata: map[string]any{
			"database":  path,
			"query":     e.query,
			"columns":   columns,
			"row_count": len(items),
		},
	}, nil
}

func (e *sqlEnumerator) Sample() (map[string]any, error) {
	sampler := *e
	sampler.limit = 1
	res, err := sampler.Enumerate()
	if err != nil {
		return nil, err
	}
	if len(res.Items) == 0 {
		return nil, errors.New("query returned no rows")
	}
	return res.Items[0], nil
}
