// Package storage provides the durable event store using SQLite.
// It owns every persisted row: event classes, events, per-digit nonces,
// outcomes, digit outcomes and the pending-sign journal. All other
// components hold plain value copies.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage errors.
var (
	ErrStore         = errors.New("store error")
	ErrVersionTooNew = errors.New("database version newer than supported")
	ErrClassNotFound = errors.New("event class not found")
	ErrEventNotFound = errors.New("event not found")
)

// DBFileName is the database file created inside the data directory.
const DBFileName = "ora.db"

// EventClass is a periodic event series. Immutable once inserted.
type EventClass struct {
	ID               string
	CreateTime       int64
	Definition       string // upper-case symbol, e.g. BTCUSD
	RangeDigits      int
	RangeDigitLowPos int
	StringTemplate   string
	RepeatFirstTime  int64
	RepeatPeriod     int64
	RepeatOffset     int64 // RepeatFirstTime mod RepeatPeriod
	RepeatLastTime   int64
	SignerPublicKey  string
}

// Event is one instance of a class. The class is referenced by id only
// and resolved at render time.
type Event struct {
	EventID        string
	ClassID        string
	Definition     string
	Time           int64
	StringTemplate string // class template with {event_id} substituted
}

// Nonce is the pre-committed nonce pair for one digit of one event.
type Nonce struct {
	EventID    string
	DigitIndex int
	NoncePub   string
	NonceSec   string
}

// Outcome is the signed result of an event. Its existence implies a full
// set of DigitOutcome rows.
type Outcome struct {
	EventID     string
	Value       string
	CreatedTime int64
}

// DigitOutcome is one signed digit of an outcome.
type DigitOutcome struct {
	EventID    string
	DigitIndex int
	DigitValue int
	NoncePub   string
	Signature  string
	MsgStr     string
}

// PendingSign is the crash-recovery journal row: the exact message (and
// digit value) committed to before any signature is produced. On restart
// the scheduler replays these verbatim, so a changed price can never pair
// a second message with an already-used nonce.
type PendingSign struct {
	EventID    string
	DigitIndex int
	DigitValue int
	MsgStr     string
}

// Store is the persistent event store contract. SQLite in production;
// MemStore is the in-memory test double with the same semantics.
type Store interface {
	InsertClassIfMissing(ec *EventClass) (int, error)
	GetClassByID(id string) (*EventClass, error)
	LatestClassByDef(def string) (*EventClass, error)
	AllClassesByDef(def string) ([]*EventClass, error)
	AllClasses() ([]*EventClass, error)

	InsertEventIfMissing(e *Event, signerPubKey string) (int, error)
	AppendEventsIfMissing(events []*Event, signerPubKey string) (int, error)
	GetEventByID(id string) (*Event, string, error)
	EventsPastWithoutOutcome(now int64) ([]string, error)
	EarliestTimeWithoutOutcome() (int64, error)
	CountFuture(now int64) (int, error)
	CountEvents() (int, error)
	FilterEventIDs(start, end int64, def string, limit int) ([]string, error)
	FilterEvents(start, end int64, def string, limit int) ([]*Event, error)
	EventsWithoutNonces(limit int) ([]string, error)

	InsertNonces(nonces []*Nonce) error
	GetNonces(eventID string) ([]*Nonce, error)

	InsertOutcome(o *Outcome, digitOutcomes []*DigitOutcome) error
	GetOutcome(eventID string) (*Outcome, error)
	GetDigitOutcomes(eventID string) ([]*DigitOutcome, error)

	InsertPendingSign(rows []*PendingSign) error
	GetPendingSign(eventID string) ([]*PendingSign, error)

	Close() error
}

// SQLiteStore is the production Store backed by a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

var _ Store = (*SQLiteStore)(nil)

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// Open opens (or creates) the event database in the data directory and
// applies any pending forward migrations.
func Open(cfg *Config) (*SQLiteStore, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// migrations are forward-only; migrations[i] moves the schema from
// version i to version i+1. Never reorder or edit an entry.
var migrations = []string{
	// v0 -> v1: base schema
	`
	CREATE TABLE IF NOT EXISTS EVENTCLASS (
		id TEXT PRIMARY KEY,
		create_time INTEGER NOT NULL,
		definition TEXT NOT NULL,
		range_digits INTEGER NOT NULL,
		range_digit_low_pos INTEGER NOT NULL,
		string_template TEXT NOT NULL,
		repeat_first_time INTEGER NOT NULL,
		repeat_period INTEGER NOT NULL,
		repeat_offset INTEGER NOT NULL,
		repeat_last_time INTEGER NOT NULL,
		signer_public_key TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_eventclass_def ON EVENTCLASS(definition, create_time);

	CREATE TABLE IF NOT EXISTS PUBKEY (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pubkey TEXT UNIQUE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS EVENT (
		event_id TEXT PRIMARY KEY,
		class_id TEXT NOT NULL,
		definition TEXT NOT NULL,
		time INTEGER NOT NULL,
		string_template TEXT NOT NULL,
		pubkey_id INTEGER NOT NULL,
		FOREIGN KEY (class_id) REFERENCES EVENTCLASS(id),
		FOREIGN KEY (pubkey_id) REFERENCES PUBKEY(id)
	);

	CREATE INDEX IF NOT EXISTS idx_event_time ON EVENT(time);
	CREATE INDEX IF NOT EXISTS idx_event_def_time ON EVENT(definition, time);

	CREATE TABLE IF NOT EXISTS NONCE (
		event_id TEXT NOT NULL,
		digit_index INTEGER NOT NULL,
		nonce_pub TEXT NOT NULL,
		nonce_sec TEXT NOT NULL,
		PRIMARY KEY (event_id, digit_index),
		FOREIGN KEY (event_id) REFERENCES EVENT(event_id)
	);

	CREATE TABLE IF NOT EXISTS OUTCOME (
		event_id TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		created_time INTEGER NOT NULL,
		FOREIGN KEY (event_id) REFERENCES EVENT(event_id)
	);

	CREATE TABLE IF NOT EXISTS DIGITOUTCOME (
		event_id TEXT NOT NULL,
		digit_index INTEGER NOT NULL,
		digit_value INTEGER NOT NULL,
		nonce_pub TEXT NOT NULL,
		signature TEXT NOT NULL,
		msg_str TEXT NOT NULL,
		PRIMARY KEY (event_id, digit_index),
		FOREIGN KEY (event_id) REFERENCES EVENT(event_id)
	);
	`,
	// v1 -> v2: pending-sign journal for crash-consistent re-signing
	`
	CREATE TABLE IF NOT EXISTS PENDING_SIGN (
		event_id TEXT NOT NULL,
		digit_index INTEGER NOT NULL,
		digit_value INTEGER NOT NULL,
		msg_str TEXT NOT NULL,
		PRIMARY KEY (event_id, digit_index),
		FOREIGN KEY (event_id) REFERENCES EVENT(event_id)
	);
	`,
}

// migrate brings the schema to the latest version. Downgrades are
// forbidden: a database written by newer code refuses to open.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS VERSION (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}

	current, err := s.readVersion()
	if err != nil {
		return err
	}

	latest := len(migrations)
	if current > latest {
		return fmt.Errorf("%w: v%d, supported up to v%d", ErrVersionTooNew, current, latest)
	}

	for v := current; v < latest; v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: migration v%d -> v%d: %v", ErrStore, v, v+1, err)
		}
		if _, err := tx.Exec(`DELETE FROM VERSION`); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		if _, err := tx.Exec(`INSERT INTO VERSION (version) VALUES (?)`, v+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
	}

	return nil
}

// readVersion returns the stored schema version, 0 for a fresh database.
func (s *SQLiteStore) readVersion() (int, error) {
	var version int
	err := s.db.QueryRow(`SELECT version FROM VERSION LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return version, nil
}

// Version returns the current schema version.
func (s *SQLiteStore) Version() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readVersion()
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
