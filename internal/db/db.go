package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
)

// Process lifecycle events.
const (
	EventProcessStarted = "process.started"
	EventProcessStopped = "process.stopped"
	EventPollFailed     = "poll.failed"
)

// Message handling events.
const (
	EventMessageReceived  = "message.received"
	EventContextAssembled = "context.assembled"
	EventCompletionFailed = "completion.failed"
	EventRetryScheduled   = "retry.scheduled"
	EventRetryExhausted   = "retry.exhausted"
	EventCircuitOpened    = "circuit.opened"
	EventCircuitClosed    = "circuit.closed"
	EventStorageFailed    = "storage.failed"
	EventReplySent        = "reply.sent"
	EventReplyFailed      = "reply.failed"
	EventExtractionEmpty  = "extraction.empty"
)

const stateKeyOffset = "telegram.offset"

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// OpenReadOnly opens an existing database for inspection.
func OpenReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open db at %s: %w", path, err)
	}
	db, err := sql.Open("sqlite3", path+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}
	return db, nil
}

// InitSchema creates all tables: events, state.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			parent_id INTEGER,
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);

		CREATE TABLE IF NOT EXISTS state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (unixepoch())
		);
	`)
	return err
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	res, err := db.Exec(
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", eventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}
	return id, nil
}

// LoadOffset returns the persisted Telegram polling offset, or 0 if none.
func LoadOffset(db *sql.DB) (int64, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM state WHERE key = ?`, stateKeyOffset).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	offset, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stored offset %q: %w", value, err)
	}
	return offset, nil
}

// SaveOffset persists the next Telegram polling offset.
func SaveOffset(db *sql.DB, offset int64) error {
	_, err := db.Exec(
		`INSERT INTO state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = unixepoch()`,
		stateKeyOffset, strconv.FormatInt(offset, 10),
	)
	if err != nil {
		return fmt.Errorf("save offset: %w", err)
	}
	return nil
}

// Journal records operational events under an optional root event. A nil
// *Journal drops everything, so callers never need to check whether the
// journal is enabled.
type Journal struct {
	DB *sql.DB
}

// NewJournal wraps an initialized database.
func NewJournal(database *sql.DB) *Journal {
	return &Journal{DB: database}
}

// Log records an event and returns its id, or 0 if the journal is disabled.
func (j *Journal) Log(parentID *int64, eventType string, payload map[string]any) (int64, error) {
	if j == nil || j.DB == nil {
		return 0, nil
	}
	if parentID != nil && *parentID == 0 {
		parentID = nil
	}
	return LogEvent(j.DB, parentID, eventType, payload)
}

// Offsets adapts LoadOffset and SaveOffset to the poller's offset store.
type Offsets struct {
	DB *sql.DB
}

func (o Offsets) Load() (int64, error) { return LoadOffset(o.DB) }

func (o Offsets) Save(offset int64) error { return SaveOffset(o.DB, offset) }
