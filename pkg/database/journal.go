// Package database records lobby lifecycle events in SQLite.
//
// The journal is an audit trail only. Rooms are never restored from it.
package database

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Event kinds
const (
	EventClientConnected    = "client_connected"
	EventClientDisconnected = "client_disconnected"
	EventRoomCreated        = "room_created"
	EventRoomJoined         = "room_joined"
	EventGameStarted        = "game_started"
	EventRoomClosed         = "room_closed"
	EventServerShutdown     = "server_shutdown"
)

const (
	journalQueueSize     = 1024
	journalFlushInterval = 100 * time.Millisecond
)

// Event is one journal row
type Event struct {
	ID       int64
	Time     int64 // unix milliseconds
	Kind     string
	ClientID uint64
	RoomID   uint32
	Detail   string
}

// Journal appends events through a buffered background writer so callers
// never wait on disk.
type Journal struct {
	conn    *sql.DB
	queue   chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Int64
}

// Open opens (or creates) the journal at path and starts the writer
func Open(path string) (*Journal, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection (SQLite limitation)
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := initSchema(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	j := &Journal{
		conn:  conn,
		queue: make(chan Event, journalQueueSize),
		done:  make(chan struct{}),
	}
	j.wg.Add(1)
	go j.writeLoop()
	return j, nil
}

func initSchema(conn *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS LobbyEvent (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER NOT NULL,
	kind TEXT NOT NULL,
	client_id INTEGER NOT NULL DEFAULT 0,
	room_id INTEGER NOT NULL DEFAULT 0,
	detail TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_lobby_event_room ON LobbyEvent(room_id, created_at);
`
	_, err := conn.Exec(schema)
	return err
}

// Record queues an event. When the queue is full the event is dropped and
// counted rather than blocking the caller.
func (j *Journal) Record(kind string, clientID uint64, roomID uint32, detail string) {
	ev := Event{
		Time:     time.Now().UnixMilli(),
		Kind:     kind,
		ClientID: clientID,
		RoomID:   roomID,
		Detail:   detail,
	}

	select {
	case <-j.done:
		j.dropped.Add(1)
		return
	default:
	}

	select {
	case j.queue <- ev:
	default:
		j.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// writeLoop batches queued events into transactions
func (j *Journal) writeLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(journalFlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, 64)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := j.insert(batch); err != nil {
			log.Error().Err(err).Int("events", len(batch)).Msg("journal write failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-j.queue:
			batch = append(batch, ev)
			if len(batch) == cap(batch) {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-j.done:
			// Drain whatever is still queued
			for {
				select {
				case ev := <-j.queue:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (j *Journal) insert(events []Event) error {
	tx, err := j.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO LobbyEvent (created_at, kind, client_id, room_id, detail) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.Exec(ev.Time, ev.Kind, int64(ev.ClientID), int64(ev.RoomID), ev.Detail); err != nil {
			return fmt.Errorf("insert %s: %w", ev.Kind, err)
		}
	}
	return tx.Commit()
}

// Recent returns up to limit events, newest first
func (j *Journal) Recent(limit int) ([]*Event, error) {
	rows, err := j.conn.Query(`
		SELECT id, created_at, kind, client_id, room_id, detail
		FROM LobbyEvent
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		var clientID, roomID int64
		if err := rows.Scan(&ev.ID, &ev.Time, &ev.Kind, &clientID, &roomID, &ev.Detail); err != nil {
			return nil, err
		}
		ev.ClientID = uint64(clientID)
		ev.RoomID = uint32(roomID)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Close flushes queued events and closes the database
func (j *Journal) Close() error {
	var err error
	j.once.Do(func() {
		close(j.done)
		j.wg.Wait()
		err = j.conn.Close()
	})
	return err
}
