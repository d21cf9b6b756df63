// Package storage - event operations and queries.
package storage

import (
	"database/sql"
	"fmt"
	"strings"
)

// getOrInsertPubKey interns a signer public key, returning its row id.
// Must be called with the write lock held, inside the given tx.
func getOrInsertPubKey(tx *sql.Tx, pubkey string) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM PUBKEY WHERE pubkey = ?`, pubkey).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	res, err := tx.Exec(`INSERT INTO PUBKEY (pubkey) VALUES (?)`, pubkey)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// InsertEventIfMissing interns the signer pubkey and conditionally inserts
// the event. Returns 1 if inserted, 0 if the event id already exists.
func (s *SQLiteStore) InsertEventIfMissing(e *Event, signerPubKey string) (int, error) {
	return s.AppendEventsIfMissing([]*Event{e}, signerPubKey)
}

// AppendEventsIfMissing is the batched insert variant; all events share
// the signer pubkey. Applied in a single transaction; returns the number
// of newly inserted events.
func (s *SQLiteStore) AppendEventsIfMissing(events []*Event, signerPubKey string) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStore, err)
	}

	pubkeyID, err := getOrInsertPubKey(tx, signerPubKey)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("%w: failed to intern pubkey: %v", ErrStore, err)
	}

	inserted := 0
	for _, e := range events {
		res, err := tx.Exec(`
			INSERT INTO EVENT (event_id, class_id, definition, time, string_template, pubkey_id)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(event_id) DO NOTHING
		`, e.EventID, e.ClassID, strings.ToUpper(e.Definition), e.Time, e.StringTemplate, pubkeyID)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("%w: failed to insert event %s: %v", ErrStore, e.EventID, err)
		}
		rows, _ := res.RowsAffected()
		inserted += int(rows)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return inserted, nil
}

// GetEventByID retrieves an event joined with its signer public key.
// Returns (nil, "", nil) if not found.
func (s *SQLiteStore) GetEventByID(id string) (*Event, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var e Event
	var pubkey string
	err := s.db.QueryRow(`
		SELECT e.event_id, e.class_id, e.definition, e.time, e.string_template, p.pubkey
		FROM EVENT e JOIN PUBKEY p ON p.id = e.pubkey_id
		WHERE e.event_id = ?
	`, id).Scan(&e.EventID, &e.ClassID, &e.Definition, &e.Time, &e.StringTemplate, &pubkey)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: failed to get event: %v", ErrStore, err)
	}
	return &e, pubkey, nil
}

// EventsPastWithoutOutcome returns ids of events with time <= now and no
// outcome row, ordered by time ascending.
func (s *SQLiteStore) EventsPastWithoutOutcome(now int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT e.event_id FROM EVENT e
		WHERE e.time <= ?
		  AND NOT EXISTS (SELECT 1 FROM OUTCOME o WHERE o.event_id = e.event_id)
		ORDER BY e.time ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query past events: %v", ErrStore, err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

// EarliestTimeWithoutOutcome returns the earliest event time that has no
// outcome yet, 0 if every event has one.
func (s *SQLiteStore) EarliestTimeWithoutOutcome() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t sql.NullInt64
	err := s.db.QueryRow(`
		SELECT MIN(e.time) FROM EVENT e
		WHERE NOT EXISTS (SELECT 1 FROM OUTCOME o WHERE o.event_id = e.event_id)
	`).Scan(&t)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to query earliest: %v", ErrStore, err)
	}
	if !t.Valid {
		return 0, nil
	}
	return t.Int64, nil
}

// CountFuture returns the number of events with time > now.
func (s *SQLiteStore) CountFuture(now int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM EVENT WHERE time > ?`, now).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: failed to count future events: %v", ErrStore, err)
	}
	return count, nil
}

// CountEvents returns the total number of events.
func (s *SQLiteStore) CountEvents() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM EVENT`).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: failed to count events: %v", ErrStore, err)
	}
	return count, nil
}

// filterQuery builds the shared WHERE clause for the event filters.
// Zero start/end mean unbounded; empty def matches all definitions.
func filterQuery(selectCols string, start, end int64, def string, limit int) (string, []interface{}) {
	query := selectCols + ` FROM EVENT WHERE 1=1`
	args := []interface{}{}

	if start != 0 {
		query += ` AND time >= ?`
		args = append(args, start)
	}
	if end != 0 {
		query += ` AND time <= ?`
		args = append(args, end)
	}
	if def != "" {
		query += ` AND definition = ?`
		args = append(args, strings.ToUpper(def))
	}
	query += ` ORDER BY time ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return query, args
}

// FilterEventIDs returns event ids matching the inclusive time bounds and
// definition, up to limit.
func (s *SQLiteStore) FilterEventIDs(start, end int64, def string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args := filterQuery(`SELECT event_id`, start, end, def, limit)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to filter event ids: %v", ErrStore, err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

// FilterEvents is the full-row variant of FilterEventIDs.
func (s *SQLiteStore) FilterEvents(start, end int64, def string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args := filterQuery(
		`SELECT event_id, class_id, definition, time, string_template`, start, end, def, limit)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to filter events: %v", ErrStore, err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.EventID, &e.ClassID, &e.Definition, &e.Time, &e.StringTemplate); err != nil {
			return nil, fmt.Errorf("%w: failed to scan event: %v", ErrStore, err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// EventsWithoutNonces returns ids of events that have no nonce rows yet,
// earliest first. Feeds the nonce-fill loop.
func (s *SQLiteStore) EventsWithoutNonces(limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.Query(`
		SELECT e.event_id FROM EVENT e
		WHERE NOT EXISTS (SELECT 1 FROM NONCE n WHERE n.event_id = e.event_id)
		ORDER BY e.time ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query events without nonces: %v", ErrStore, err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: failed to scan id: %v", ErrStore, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
