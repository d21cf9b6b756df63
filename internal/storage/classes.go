// Package storage - event class operations.
package storage

import (
	"database/sql"
	"fmt"
	"strings"
)

// InsertClassIfMissing inserts an event class if its id is not already
// present. Idempotent: returns 1 if inserted, 0 if the id exists.
// Classes are immutable; an existing row is never updated.
func (s *SQLiteStore) InsertClassIfMissing(ec *EventClass) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO EVENTCLASS (
			id, create_time, definition, range_digits, range_digit_low_pos,
			string_template, repeat_first_time, repeat_period, repeat_offset,
			repeat_last_time, signer_public_key
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ec.ID, ec.CreateTime, strings.ToUpper(ec.Definition),
		ec.RangeDigits, ec.RangeDigitLowPos, ec.StringTemplate,
		ec.RepeatFirstTime, ec.RepeatPeriod, ec.RepeatOffset,
		ec.RepeatLastTime, ec.SignerPublicKey,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to insert event class: %v", ErrStore, err)
	}

	rows, _ := res.RowsAffected()
	return int(rows), nil
}

const classColumns = `id, create_time, definition, range_digits, range_digit_low_pos,
	string_template, repeat_first_time, repeat_period, repeat_offset,
	repeat_last_time, signer_public_key`

func scanClass(row interface{ Scan(...interface{}) error }) (*EventClass, error) {
	var ec EventClass
	err := row.Scan(
		&ec.ID, &ec.CreateTime, &ec.Definition,
		&ec.RangeDigits, &ec.RangeDigitLowPos, &ec.StringTemplate,
		&ec.RepeatFirstTime, &ec.RepeatPeriod, &ec.RepeatOffset,
		&ec.RepeatLastTime, &ec.SignerPublicKey,
	)
	if err != nil {
		return nil, err
	}
	return &ec, nil
}

// GetClassByID retrieves an event class. Returns nil if not found.
func (s *SQLiteStore) GetClassByID(id string) (*EventClass, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ec, err := scanClass(s.db.QueryRow(
		`SELECT `+classColumns+` FROM EVENTCLASS WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get event class: %v", ErrStore, err)
	}
	return ec, nil
}

// LatestClassByDef returns the most recently created class for a
// definition, nil if none. The definition is case-normalized.
func (s *SQLiteStore) LatestClassByDef(def string) (*EventClass, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ec, err := scanClass(s.db.QueryRow(
		`SELECT `+classColumns+` FROM EVENTCLASS WHERE definition = ?
		 ORDER BY create_time DESC LIMIT 1`, strings.ToUpper(def)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get latest class: %v", ErrStore, err)
	}
	return ec, nil
}

// AllClassesByDef returns all classes for a definition, newest first.
func (s *SQLiteStore) AllClassesByDef(def string) ([]*EventClass, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryClasses(
		`SELECT `+classColumns+` FROM EVENTCLASS WHERE definition = ?
		 ORDER BY create_time DESC`, strings.ToUpper(def))
}

// AllClasses returns every event class.
func (s *SQLiteStore) AllClasses() ([]*EventClass, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryClasses(`SELECT ` + classColumns + ` FROM EVENTCLASS ORDER BY id`)
}

func (s *SQLiteStore) queryClasses(query string, args ...interface{}) ([]*EventClass, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query classes: %v", ErrStore, err)
	}
	defer rows.Close()

	var classes []*EventClass
	for rows.Next() {
		ec, err := scanClass(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan class: %v", ErrStore, err)
		}
		classes = append(classes, ec)
	}
	return classes, rows.Err()
}
