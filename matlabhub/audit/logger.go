// Package audit keeps a journal of licensing and engine lifecycle events.
// Credentials are never stored, only their SHA-256 fingerprints.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// EventType represents the type of audit event
type EventType string

const (
	EventLicensingSet    EventType = "licensing_set"
	EventLicensingUnset  EventType = "licensing_unset"
	EventLicensingFailed EventType = "licensing_failed"
	EventEngineStart     EventType = "engine_start"
	EventEngineStop      EventType = "engine_stop"
	EventEngineCrash     EventType = "engine_crash"
)

// Valid reports whether t is one of the journaled event types.
func (t EventType) Valid() bool {
	switch t {
	case EventLicensingSet, EventLicensingUnset, EventLicensingFailed,
		EventEngineStart, EventEngineStop, EventEngineCrash:
		return true
	}
	return false
}

// Event represents an audit log entry in the database
type Event struct {
	ID               string `db:"id" json:"id"`
	EventType        string `db:"event_type" json:"eventType"`
	Timestamp        int64  `db:"timestamp" json:"timestamp"`
	LicensingType    string `db:"licensing_type" json:"licensingType,omitempty"`
	TokenFingerprint string `db:"token_fingerprint" json:"tokenFingerprint,omitempty"`
	Port             int    `db:"port" json:"port,omitempty"`
	Detail           string `db:"detail" json:"detail,omitempty"`
}

// Logger writes audit events to a SQLite database.
type Logger struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewLogger creates a new audit logger instance
func NewLogger(db *sqlx.DB) (*Logger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Logger{
		db:  db,
		now: time.Now,
	}, nil
}

// Open connects to the SQLite database at path and prepares the schema.
func Open(path string) (*Logger, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, err
	}
	l, err := NewLogger(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Logger) Close() error {
	return l.db.Close()
}

// DBInit initializes the audit events database table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		licensing_type TEXT NOT NULL DEFAULT '',
		token_fingerprint TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		detail TEXT NOT NULL DEFAULT ''
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_event_type ON audit_events(event_type)`)
	return err
}

// tokenFingerprint creates a SHA-256 hash of a token for audit logging
func tokenFingerprint(token string) string {
	if token == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func (l *Logger) insertEvent(event *Event) error {
	event.ID = uuid.New().String()
	event.Timestamp = l.now().UTC().UnixMilli()
	_, err := l.db.NamedExec(`
		INSERT INTO audit_events (
			id, event_type, timestamp, licensing_type, token_fingerprint, port, detail
		) VALUES (:id, :event_type, :timestamp, :licensing_type, :token_fingerprint, :port, :detail)`,
		event,
	)
	return err
}

// LogLicensingSet records a licensing change. token is the credential in
// effect (connection string or identity token) and is only fingerprinted.
func (l *Logger) LogLicensingSet(licensingType, token string) error {
	return l.insertEvent(&Event{
		EventType:        string(EventLicensingSet),
		LicensingType:    licensingType,
		TokenFingerprint: tokenFingerprint(token),
	})
}

// LogLicensingUnset records that licensing was removed.
func (l *Logger) LogLicensingUnset() error {
	return l.insertEvent(&Event{EventType: string(EventLicensingUnset)})
}

// LogLicensingFailed records a failed licensing operation.
func (l *Logger) LogLicensingFailed(licensingType, operation, reason string) error {
	return l.insertEvent(&Event{
		EventType:     string(EventLicensingFailed),
		LicensingType: licensingType,
		Detail:        operation + ": " + reason,
	})
}

// LogEngineStart records an engine spawn on port.
func (l *Logger) LogEngineStart(licensingType string, port int) error {
	return l.insertEvent(&Event{
		EventType:     string(EventEngineStart),
		LicensingType: licensingType,
		Port:          port,
	})
}

// LogEngineStop records an intentional engine stop.
func (l *Logger) LogEngineStop(port int) error {
	return l.insertEvent(&Event{EventType: string(EventEngineStop), Port: port})
}

// LogEngineCrash records an unintended engine exit and its classified error type.
func (l *Logger) LogEngineCrash(licensingType string, port int, errorType string) error {
	return l.insertEvent(&Event{
		EventType:     string(EventEngineCrash),
		LicensingType: licensingType,
		Port:          port,
		Detail:        errorType,
	})
}

// GetEventsByType retrieves audit events of a specific type
func (l *Logger) GetEventsByType(eventType EventType, limit int) ([]Event, error) {
	events := []Event{}
	err := l.db.Select(&events,
		"SELECT * FROM audit_events WHERE event_type = $1 ORDER BY timestamp DESC, rowid DESC LIMIT $2",
		string(eventType), limit)
	return events, err
}

// GetRecentEvents retrieves the most recent audit events
func (l *Logger) GetRecentEvents(limit int) ([]Event, error) {
	events := []Event{}
	err := l.db.Select(&events,
		"SELECT * FROM audit_events ORDER BY timestamp DESC, rowid DESC LIMIT $1",
		limit)
	return events, err
}

// CleanupOldEvents removes audit events older than the specified duration
func (l *Logger) CleanupOldEvents(olderThan time.Duration) (int64, error) {
	cutoff := l.now().UTC().Add(-olderThan).UnixMilli()
	result, err := l.db.Exec("DELETE FROM audit_events WHERE timestamp < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
