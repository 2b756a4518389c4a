package relay

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petervdpas/meshrelay/internal/presence"
)

// JournalEntry is one presence transition. Message contents are never
// journaled.
type JournalEntry struct {
	ID         int64  `json:"id"`
	At         int64  `json:"at"`
	Type       string `json:"type"`
	UserID     string `json:"user_id"`
	DeviceID   string `json:"device_id"`
	DeviceType string `json:"device_type"`
}

// journal is the optional SQLite log of join, replace and leave transitions.
type journal struct {
	db *sql.DB
	mu sync.Mutex
}

func openJournal(path string) (*journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS presence_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		at          INTEGER NOT NULL,
		type        TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		device_id   TEXT NOT NULL,
		device_type TEXT NOT NULL DEFAULT ''
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS presence_log_at ON presence_log(at)`); err != nil {
		db.Close()
		return nil, err
	}

	return &journal{db: db}, nil
}

func (j *journal) record(c presence.Change) {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.Exec(`INSERT INTO presence_log (at, type, user_id, device_id, device_type) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UnixMilli(), string(c.Type), c.UserID, c.Device.DeviceID, string(c.Device.DeviceType))
	if err != nil {
		log.Printf("JOURNAL: insert error: %v", err)
	}
}

// recent returns up to limit entries, newest first. A non-empty userID
// restricts the result to that mesh.
func (j *journal) recent(userID string, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	var (
		rows *sql.Rows
		err  error
	)
	if userID != "" {
		rows, err = j.db.Query(`SELECT id, at, type, user_id, device_id, device_type FROM presence_log
			WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	} else {
		rows, err = j.db.Query(`SELECT id, at, type, user_id, device_id, device_type FROM presence_log
			ORDER BY id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []JournalEntry{}
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.ID, &e.At, &e.Type, &e.UserID, &e.DeviceID, &e.DeviceType); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// prune deletes entries older than beforeMillis.
func (j *journal) prune(beforeMillis int64) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	res, err := j.db.Exec(`DELETE FROM presence_log WHERE at < ?`, beforeMillis)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// follow records changes from ch, a registry subscription, until ctx
// ends. Entries older than retention are pruned once an hour.
func (j *journal) follow(ctx context.Context, reg *presence.Registry, ch chan presence.Change, retention time.Duration) {
	defer reg.Unsubscribe(ch)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-ch:
			if !ok {
				return
			}
			j.record(c)
		case <-ticker.C:
			if retention <= 0 {
				continue
			}
			n, err := j.prune(time.Now().Add(-retention).UnixMilli())
			if err != nil {
				log.Printf("JOURNAL: prune error: %v", err)
			} else if n > 0 {
				log.Printf("JOURNAL: pruned %d entries", n)
			}
		}
	}
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db.Close()
}
