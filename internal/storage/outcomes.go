// Package storage - nonce, outcome and pending-sign operations.
package storage

import (
	"database/sql"
	"fmt"
)

// InsertNonces appends nonce rows in a single transaction. The
// (event_id, digit_index) primary key rejects duplicates; concurrent
// regeneration of the same deterministic nonces surfaces as a constraint
// error rather than divergent rows.
func (s *SQLiteStore) InsertNonces(nonces []*Nonce) error {
	if len(nonces) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}

	for _, n := range nonces {
		if _, err := tx.Exec(`
			INSERT INTO NONCE (event_id, digit_index, nonce_pub, nonce_sec)
			VALUES (?, ?, ?, ?)
		`, n.EventID, n.DigitIndex, n.NoncePub, n.NonceSec); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: failed to insert nonce %s/%d: %v", ErrStore, n.EventID, n.DigitIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

// GetNonces returns the nonces of an event ordered by digit index.
// An event has either zero nonces (deferred) or the full set.
func (s *SQLiteStore) GetNonces(eventID string) ([]*Nonce, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT event_id, digit_index, nonce_pub, nonce_sec
		FROM NONCE WHERE event_id = ?
		ORDER BY digit_index ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query nonces: %v", ErrStore, err)
	}
	defer rows.Close()

	var nonces []*Nonce
	for rows.Next() {
		var n Nonce
		if err := rows.Scan(&n.EventID, &n.DigitIndex, &n.NoncePub, &n.NonceSec); err != nil {
			return nil, fmt.Errorf("%w: failed to scan nonce: %v", ErrStore, err)
		}
		nonces = append(nonces, &n)
	}
	return nonces, rows.Err()
}

// InsertOutcome writes the outcome, its digit outcomes, and clears the
// event's pending-sign journal in one transaction: a reader either sees
// the complete signed outcome or nothing.
func (s *SQLiteStore) InsertOutcome(o *Outcome, digitOutcomes []*DigitOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO OUTCOME (event_id, value, created_time) VALUES (?, ?, ?)
	`, o.EventID, o.Value, o.CreatedTime); err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: failed to insert outcome %s: %v", ErrStore, o.EventID, err)
	}

	for _, d := range digitOutcomes {
		if _, err := tx.Exec(`
			INSERT INTO DIGITOUTCOME (event_id, digit_index, digit_value, nonce_pub, signature, msg_str)
			VALUES (?, ?, ?, ?, ?, ?)
		`, d.EventID, d.DigitIndex, d.DigitValue, d.NoncePub, d.Signature, d.MsgStr); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: failed to insert digit outcome %s/%d: %v", ErrStore, d.EventID, d.DigitIndex, err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM PENDING_SIGN WHERE event_id = ?`, o.EventID); err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: failed to clear pending sign %s: %v", ErrStore, o.EventID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

// GetOutcome returns the outcome of an event, nil if not signed yet.
func (s *SQLiteStore) GetOutcome(eventID string) (*Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var o Outcome
	err := s.db.QueryRow(`
		SELECT event_id, value, created_time FROM OUTCOME WHERE event_id = ?
	`, eventID).Scan(&o.EventID, &o.Value, &o.CreatedTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get outcome: %v", ErrStore, err)
	}
	return &o, nil
}

// GetDigitOutcomes returns the digit outcomes of an event, index ascending.
func (s *SQLiteStore) GetDigitOutcomes(eventID string) ([]*DigitOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT event_id, digit_index, digit_value, nonce_pub, signature, msg_str
		FROM DIGITOUTCOME WHERE event_id = ?
		ORDER BY digit_index ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query digit outcomes: %v", ErrStore, err)
	}
	defer rows.Close()

	var digits []*DigitOutcome
	for rows.Next() {
		var d DigitOutcome
		if err := rows.Scan(&d.EventID, &d.DigitIndex, &d.DigitValue, &d.NoncePub, &d.Signature, &d.MsgStr); err != nil {
			return nil, fmt.Errorf("%w: failed to scan digit outcome: %v", ErrStore, err)
		}
		digits = append(digits, &d)
	}
	return digits, rows.Err()
}

// InsertPendingSign journals the messages about to be signed, all-or-nothing.
func (s *SQLiteStore) InsertPendingSign(pending []*PendingSign) error {
	if len(pending) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}

	for _, p := range pending {
		if _, err := tx.Exec(`
			INSERT INTO PENDING_SIGN (event_id, digit_index, digit_value, msg_str)
			VALUES (?, ?, ?, ?)
		`, p.EventID, p.DigitIndex, p.DigitValue, p.MsgStr); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: failed to insert pending sign %s/%d: %v", ErrStore, p.EventID, p.DigitIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

// GetPendingSign returns the journaled messages for an event, index
// ascending. Empty for events that never started signing.
func (s *SQLiteStore) GetPendingSign(eventID string) ([]*PendingSign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT event_id, digit_index, digit_value, msg_str
		FROM PENDING_SIGN WHERE event_id = ?
		ORDER BY digit_index ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query pending sign: %v", ErrStore, err)
	}
	defer rows.Close()

	var pending []*PendingSign
	for rows.Next() {
		var p PendingSign
		if err := rows.Scan(&p.EventID, &p.DigitIndex, &p.DigitValue, &p.MsgStr); err != nil {
			return nil, fmt.Errorf("%w: failed to scan pending sign: %v", ErrStore, err)
		}
		pending = append(pending, &p)
	}
	return pending, rows.Err()
}
