package storage

import (
	"fmt"
	"time"
)

// LogSwitch appends one entry to the switch audit trail and returns its id.
// The log has no update or delete operations.
func (s *Store) LogSwitch(provider string, fromAccountID *string, toAccountID string,
	trigger SwitchTrigger, details *string, success bool, errorMessage *string) (int64, error) {

	if provider == "" || toAccountID == "" {
		return 0, fmt.Errorf("provider and destination account are required")
	}

	res, err := s.db.Exec(`
		INSERT INTO switch_log (timestamp, provider, from_account_id, to_account_id,
			trigger_type, trigger_details, success, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fmtTime(time.Now()), provider, fromAccountID, toAccountID,
		string(trigger), details, success, errorMessage,
	)
	if err != nil {
		return 0, fmt.Errorf("logging switch: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading switch log id: %w", err)
	}
	return id, nil
}

// RecentSwitches returns the newest limit entries, newest first.
func (s *Store) RecentSwitches(limit int) ([]SwitchLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, timestamp, provider, from_account_id, to_account_id,
			trigger_type, trigger_details, success, rollback, error_message
		FROM switch_log ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying switch log: %w", err)
	}
	defer rows.Close()

	var entries []SwitchLogEntry
	for rows.Next() {
		var e SwitchLogEntry
		var ts string
		if err := rows.Scan(
			&e.ID, &ts, &e.Provider, &e.FromAccountID, &e.ToAccountID,
			&e.TriggerType, &e.TriggerDetails, &e.Success, &e.Rollback, &e.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scanning switch log entry: %w", err)
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		e.Timestamp = t
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
