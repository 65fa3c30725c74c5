package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

const unitColumns = `unit_id, job_id, unit_type, status, payload, created_at,
	assigned_at, started_at, completed_at, worker_id, result, error,
	retry_count, max_retries, execution_time_seconds, output_files,
	rendered_prompt, conversation, session_id, cost_usd, process_id`

// CreateWorkUnit inserts a new work unit row.
func (s *Store) CreateWorkUnit(unit *WorkUnit) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO work_units (`+unitColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			unit.UnitID, unit.JobID, unit.UnitType, string(unit.Status),
			mustJSON(unit.Payload), fmtTime(unit.CreatedAt),
			fmtTimePtr(unit.AssignedAt), fmtTimePtr(unit.StartedAt), fmtTimePtr(unit.CompletedAt),
			nullStr(unit.WorkerID), marshalJSON(unit.Result), nullStr(unit.Error),
			unit.RetryCount, unit.MaxRetries, nullFloat(unit.ExecutionTimeSeconds),
			mustJSON(unit.OutputFiles), nullStr(unit.RenderedPrompt),
			marshalJSON(unit.Conversation), nullStr(unit.SessionID),
			nullFloat(unit.CostUSD), nullInt(unit.ProcessID))
		if err != nil {
			return fmt.Errorf("failed to insert work unit: %w", err)
		}
		return nil
	})
}

// GetWorkUnit returns the unit with the given id, or nil when absent.
func (s *Store) GetWorkUnit(unitID string) (*WorkUnit, error) {
	row := s.db.QueryRow(`SELECT `+unitColumns+` FROM work_units WHERE unit_id = ?`, unitID)
	unit, err := scanUnit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return unit, err
}

// UpdateWorkUnit persists the mutable fields of a unit. Payload is immutable
// after creation and deliberately not part of the update.
func (s *Store) UpdateWorkUnit(unit *WorkUnit) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE work_units SET
				status = ?, assigned_at = ?, started_at = ?, completed_at = ?,
				worker_id = ?, result = ?, error = ?, retry_count = ?,
				execution_time_seconds = ?, output_files = ?,
				rendered_prompt = ?, conversation = ?, session_id = ?,
				cost_usd = ?, process_id = ?
			WHERE unit_id = ?`,
			string(unit.Status), fmtTimePtr(unit.AssignedAt), fmtTimePtr(unit.StartedAt),
			fmtTimePtr(unit.CompletedAt), nullStr(unit.WorkerID),
			marshalJSON(unit.Result), nullStr(unit.Error), unit.RetryCount,
			nullFloat(unit.ExecutionTimeSeconds), mustJSON(unit.OutputFiles),
			nullStr(unit.RenderedPrompt), marshalJSON(unit.Conversation),
			nullStr(unit.SessionID), nullFloat(unit.CostUSD), nullInt(unit.ProcessID),
			unit.UnitID)
		if err != nil {
			return fmt.Errorf("failed to update work unit: %w", err)
		}
		return nil
	})
}

// GetPendingUnits returns the oldest pending units of a job, up to limit.
func (s *Store) GetPendingUnits(jobID string, limit int) ([]*WorkUnit, error) {
	rows, err := s.db.Query(`SELECT `+unitColumns+` FROM work_units
		WHERE job_id = ? AND status = ?
		ORDER BY created_at LIMIT ?`, jobID, string(UnitPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending units: %w", err)
	}
	defer rows.Close()
	return collectUnits(rows)
}

// UnitsForJob returns a job's units with pagination, oldest first, optionally
// filtered by status.
func (s *Store) UnitsForJob(jobID string, status UnitStatus, limit, offset int) ([]*WorkUnit, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status != "" {
		rows, err = s.db.Query(`SELECT `+unitColumns+` FROM work_units
			WHERE job_id = ? AND status = ?
			ORDER BY created_at LIMIT ? OFFSET ?`, jobID, string(status), limit, offset)
	} else {
		rows, err = s.db.Query(`SELECT `+unitColumns+` FROM work_units
			WHERE job_id = ?
			ORDER BY created_at LIMIT ? OFFSET ?`, jobID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query units: %w", err)
	}
	defer rows.Close()
	return collectUnits(rows)
}

// CountUnitsByStatus returns a status -> count map for a job's units.
func (s *Store) CountUnitsByStatus(jobID string) (map[UnitStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM work_units
		WHERE job_id = ? GROUP BY status`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to count units: %w", err)
	}
	defer rows.Close()

	counts := make(map[UnitStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan unit count: %w", err)
		}
		counts[UnitStatus(status)] = n
	}
	return counts, rows.Err()
}

// ResetStuckUnits flips every assigned/processing unit of a job back to
// pending, clearing assignment fields. Run on executor start so a crashed
// run leaves no stranded rows behind. Idempotent.
func (s *Store) ResetStuckUnits(jobID string) (int, error) {
	var count int
	err := s.write(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE work_units
			SET status = ?, worker_id = NULL, assigned_at = NULL, started_at = NULL
			WHERE job_id = ? AND status IN (?, ?)`,
			string(UnitPending), jobID, string(UnitAssigned), string(UnitProcessing))
		if err != nil {
			return fmt.Errorf("failed to reset stuck units: %w", err)
		}
		n, _ := res.RowsAffected()
		count = int(n)
		return nil
	})
	return count, err
}

// AppendConversationEvent appends one event to a unit's conversation inside a
// single transaction. Returns false (without error) when the unit is missing;
// streaming callbacks must never fail the worker over a vanished row.
func (s *Store) AppendConversationEvent(unitID string, event map[string]any) (bool, error) {
	found := true
	err := s.write(func(tx *sql.Tx) error {
		var conv sql.NullString
		err := tx.QueryRow(`SELECT conversation FROM work_units WHERE unit_id = ?`, unitID).Scan(&conv)
		if err == sql.ErrNoRows {
			found = false
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read conversation: %w", err)
		}

		events := unmarshalEvents(conv)
		events = append(events, event)
		data, err := json.Marshal(events)
		if err != nil {
			return fmt.Errorf("failed to encode conversation: %w", err)
		}
		if _, err := tx.Exec(`UPDATE work_units SET conversation = ? WHERE unit_id = ?`,
			string(data), unitID); err != nil {
			return fmt.Errorf("failed to append conversation event: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// SetUnitSessionID records the agent session id without touching other fields.
func (s *Store) SetUnitSessionID(unitID, sessionID string) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE work_units SET session_id = ? WHERE unit_id = ?`, sessionID, unitID)
		return err
	})
}

// SetUnitProcessID records (or clears, with nil) the subprocess PID.
func (s *Store) SetUnitProcessID(unitID string, pid *int) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE work_units SET process_id = ? WHERE unit_id = ?`, nullInt(pid), unitID)
		return err
	})
}

// ActiveUnitsWithLatestEvent returns the in-flight units of a job together
// with the latest meaningful conversation event, for live-activity polling.
func (s *Store) ActiveUnitsWithLatestEvent(jobID string) ([]*ActiveUnit, error) {
	rows, err := s.db.Query(`SELECT unit_id, payload, status, process_id, conversation
		FROM work_units
		WHERE job_id = ? AND status IN (?, ?)
		ORDER BY started_at DESC`, jobID, string(UnitProcessing), string(UnitAssigned))
	if err != nil {
		return nil, fmt.Errorf("failed to query active units: %w", err)
	}
	defer rows.Close()

	var out []*ActiveUnit
	for rows.Next() {
		var (
			unit    ActiveUnit
			status  string
			payload string
			pid     sql.NullInt64
			conv    sql.NullString
		)
		if err := rows.Scan(&unit.UnitID, &payload, &status, &pid, &conv); err != nil {
			return nil, fmt.Errorf("failed to scan active unit: %w", err)
		}
		unit.Status = UnitStatus(status)
		unit.ProcessID = intPtr(pid)
		if err := json.Unmarshal([]byte(payload), &unit.Payload); err != nil {
			unit.Payload = map[string]any{}
		}
		unit.LatestEvent = latestMeaningfulEvent(unmarshalEvents(conv))
		out = append(out, &unit)
	}
	return out, rows.Err()
}

// latestMeaningfulEvent walks a conversation backwards and returns the final
// assistant text block, or failing that the last tool_use with a truncated
// input preview.
func latestMeaningfulEvent(events []map[string]any) map[string]any {
	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		if event["type"] != "assistant" {
			continue
		}
		message, _ := event["message"].(map[string]any)
		content, _ := message["content"].([]any)
		for j := len(content) - 1; j >= 0; j-- {
			block, ok := content[j].(map[string]any)
			if !ok {
				continue
			}
			switch block["type"] {
			case "text":
				if text, _ := block["text"].(string); text != "" {
					return map[string]any{"type": "text", "content": truncate(text, previewTextLimit)}
				}
			case "tool_use":
				name, _ := block["name"].(string)
				if name == "" {
					name = "unknown"
				}
				input := fmt.Sprintf("%v", block["input"])
				return map[string]any{
					"type":          "tool_use",
					"tool":          name,
					"input_preview": truncate(input, previewInputLimit),
				}
			}
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func collectUnits(rows *sql.Rows) ([]*WorkUnit, error) {
	var units []*WorkUnit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	return units, rows.Err()
}

func scanUnit(r rowScanner) (*WorkUnit, error) {
	var (
		unit                                WorkUnit
		status, payload, createdAt          string
		assignedAt, startedAt, completedAt  sql.NullString
		workerID, result, errMsg            sql.NullString
		execTime, costUSD                   sql.NullFloat64
		outputFiles, renderedPrompt         sql.NullString
		conversation, sessionID             sql.NullString
		processID                           sql.NullInt64
	)
	err := r.Scan(&unit.UnitID, &unit.JobID, &unit.UnitType, &status, &payload,
		&createdAt, &assignedAt, &startedAt, &completedAt, &workerID, &result,
		&errMsg, &unit.RetryCount, &unit.MaxRetries, &execTime, &outputFiles,
		&renderedPrompt, &conversation, &sessionID, &costUSD, &processID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan work unit: %w", err)
	}

	unit.Status = UnitStatus(status)
	if err := json.Unmarshal([]byte(payload), &unit.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode unit payload: %w", err)
	}
	unit.CreatedAt = parseTime(createdAt)
	unit.AssignedAt = parseTimePtr(assignedAt)
	unit.StartedAt = parseTimePtr(startedAt)
	unit.CompletedAt = parseTimePtr(completedAt)
	unit.WorkerID = strOf(workerID)
	unit.Result = unmarshalMap(result)
	unit.Error = strOf(errMsg)
	unit.ExecutionTimeSeconds = floatPtr(execTime)
	unit.OutputFiles = unmarshalStrings(outputFiles)
	unit.RenderedPrompt = strOf(renderedPrompt)
	unit.Conversation = unmarshalEvents(conversation)
	unit.SessionID = strOf(sessionID)
	unit.CostUSD = floatPtr(costUSD)
	unit.ProcessID = intPtr(processID)
	return &unit, nil
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}
