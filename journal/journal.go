// Package journal records session lifecycle events in a sqlite database.
// The journal is an operational record: it survives launcher restarts and
// backs the events endpoint, but journal write failures never fail the
// session operation that triggered them.
package journal

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// EventType identifies a session lifecycle transition.
type EventType string

const (
	EventLaunched   EventType = "launched"
	EventReady      EventType = "ready"
	EventFailed     EventType = "failed"
	EventExpired    EventType = "expired"
	EventTerminated EventType = "terminated"
)

// Event is one recorded lifecycle transition.
type Event struct {
	ID        string `db:"id"`
	SessionID string `db:"session_id"`
	App       string `db:"app"`
	EventType string `db:"event_type"`
	Port      int    `db:"port"`
	Detail    string `db:"detail"`
	Timestamp int64  `db:"timestamp"`
}

// Journal writes and queries session lifecycle events.
type Journal struct {
	db *sqlx.DB
}

// Open connects to (or creates) the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, err
	}
	j := &Journal{db: db}
	if err := j.init(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// New wraps an existing database connection.
func New(db *sqlx.DB) (*Journal, error) {
	j := &Journal{db: db}
	if err := j.init(); err != nil {
		return nil, err
	}
	return j, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) init() error {
	_, err := j.db.Exec(`
	CREATE TABLE IF NOT EXISTS session_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		app TEXT NOT NULL,
		event_type TEXT NOT NULL,
		port INTEGER,
		detail TEXT,
		timestamp INTEGER NOT NULL
	)
	`)
	if err != nil {
		return err
	}

	_, err = j.db.Exec(`CREATE INDEX IF NOT EXISTS idx_session_events_session_id ON session_events(session_id)`)
	if err != nil {
		return err
	}

	_, err = j.db.Exec(`CREATE INDEX IF NOT EXISTS idx_session_events_timestamp ON session_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = j.db.Exec(`CREATE INDEX IF NOT EXISTS idx_session_events_event_type ON session_events(event_type)`)
	return err
}

func (j *Journal) insert(eventType EventType, sessionID, app string, port int, detail string) error {
	_, err := j.db.Exec(`
		INSERT INTO session_events (id, session_id, app, event_type, port, detail, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New().String(),
		sessionID,
		app,
		string(eventType),
		port,
		detail,
		time.Now().UTC().Unix(),
	)
	return err
}

// LogLaunched records that a session's process was spawned.
func (j *Journal) LogLaunched(sessionID, app string, port int) error {
	return j.insert(EventLaunched, sessionID, app, port, "")
}

// LogReady records that a session reported its readiness marker.
func (j *Journal) LogReady(sessionID, app string, port int) error {
	return j.insert(EventReady, sessionID, app, port, "")
}

// LogFailed records a session that never became ready; detail carries the
// failure reason (spawn error, timeout, early exit).
func (j *Journal) LogFailed(sessionID, app string, port int, detail string) error {
	return j.insert(EventFailed, sessionID, app, port, detail)
}

// LogExpired records a session reclaimed by the timeout reaper.
func (j *Journal) LogExpired(sessionID, app string, port int) error {
	return j.insert(EventExpired, sessionID, app, port, "")
}

// LogTerminated records an explicit client- or shutdown-driven termination.
func (j *Journal) LogTerminated(sessionID, app string, port int) error {
	return j.insert(EventTerminated, sessionID, app, port, "")
}

// EventsForSession returns the lifecycle events of one session, oldest
// first.
func (j *Journal) EventsForSession(sessionID string, limit int) ([]Event, error) {
	var events []Event
	err := j.db.Select(&events,
		"SELECT * FROM session_events WHERE session_id = $1 ORDER BY timestamp ASC LIMIT $2",
		sessionID, limit)
	return events, err
}

// RecentEvents returns the most recent events across all sessions.
func (j *Journal) RecentEvents(limit int) ([]Event, error) {
	var events []Event
	err := j.db.Select(&events,
		"SELECT * FROM session_events ORDER BY timestamp DESC LIMIT $1",
		limit)
	return events, err
}

// EventsByType returns recent events of one type.
func (j *Journal) EventsByType(eventType EventType, limit int) ([]Event, error) {
	var events []Event
	err := j.db.Select(&events,
		"SELECT * FROM session_events WHERE event_type = $1 ORDER BY timestamp DESC LIMIT $2",
		string(eventType), limit)
	return events, err
}

// DeleteOldEvents removes events older than the given duration and returns
// how many were deleted.
func (j *Journal) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).Unix()
	result, err := j.db.Exec("DELETE FROM session_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
