// Package db stores receiver diagnostics in sqlite: one row per run, the
// diagnostic events the engine raised and periodic per-channel counters.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/telemux/internal/stats"
	"github.com/banshee-data/telemux/internal/telemetry"
)

type DB struct {
	*sql.DB
}

var pragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(ON)",
}

// OpenDB opens the database without touching the schema. The pragmas are
// part of the DSN so every pooled connection gets them.
func OpenDB(path string) (*DB, error) {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{db}, nil
}

// NewDB opens the database and applies any pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(Migrations()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Run identifies one receiver process lifetime.
type Run struct {
	ID        string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Listen    string    `json:"listen"`
	Version   string    `json:"version"`
}

// StartRun records a new run.
func (db *DB) StartRun(listen, version string, now time.Time) (Run, error) {
	run := Run{ID: uuid.NewString(), StartedAt: now, Listen: listen, Version: version}
	_, err := db.Exec(
		`INSERT INTO runs (run_id, started_at, listen, version) VALUES (?, ?, ?, ?)`,
		run.ID, now.UnixNano(), listen, version,
	)
	if err != nil {
		return Run{}, fmt.Errorf("failed to record run: %w", err)
	}
	return run, nil
}

// Runs returns every recorded run, newest first.
func (db *DB) Runs() ([]Run, error) {
	rows, err := db.Query(`SELECT run_id, started_at, listen, version FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var ns int64
		if err := rows.Scan(&r.ID, &ns, &r.Listen, &r.Version); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, ns).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// EventRow is a stored diagnostic event.
type EventRow struct {
	ID             int64     `json:"id"`
	RunID          string    `json:"run_id"`
	Time           time.Time `json:"time"`
	Kind           string    `json:"kind"`
	Channel        string    `json:"channel,omitempty"`
	SystemID       uint8     `json:"system_id"`
	SubType        uint8     `json:"sub_type"`
	TotalFragments uint16    `json:"total_fragments"`
	FragmentIndex  uint16    `json:"fragment_index"`
	Length         int       `json:"length"`
	Fragments      int       `json:"fragments,omitempty"`
	Digest         string    `json:"digest,omitempty"`
	Detail         string    `json:"detail,omitempty"`
}

// InsertEvents stores a batch of events in one transaction.
func (db *DB) InsertEvents(runID string, events []telemetry.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO events (
			run_id, ts, kind, channel, system_id, sub_type,
			total_fragments, fragment_index, length, fragments, digest, detail
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		detail := ""
		if e.Err != nil {
			detail = e.Err.Error()
		}
		_, err := stmt.Exec(
			runID, e.Time.UnixNano(), string(e.Kind), e.Channel,
			e.Header.SystemID, e.Header.SubType,
			e.Header.TotalFragments, e.Header.FragmentIndex,
			e.Length, e.Fragments, e.Digest, detail,
		)
		if err != nil {
			return fmt.Errorf("failed to insert %s event: %w", e.Kind, err)
		}
	}
	return tx.Commit()
}

// RecentEvents returns up to limit events, newest first. An empty kind
// matches every kind.
func (db *DB) RecentEvents(limit int, kind string) ([]EventRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, run_id, ts, kind, channel, system_id, sub_type,
		       total_fragments, fragment_index, length, fragments, digest, detail
		FROM events
		WHERE ? = '' OR kind = ?
		ORDER BY id DESC
		LIMIT ?`, kind, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []EventRow{}
	for rows.Next() {
		var r EventRow
		var ns int64
		if err := rows.Scan(
			&r.ID, &r.RunID, &ns, &r.Kind, &r.Channel, &r.SystemID, &r.SubType,
			&r.TotalFragments, &r.FragmentIndex, &r.Length, &r.Fragments, &r.Digest, &r.Detail,
		); err != nil {
			return nil, err
		}
		r.Time = time.Unix(0, ns).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordChannelStats stores the cumulative counters of every channel.
func (db *DB) RecordChannelStats(runID string, snap stats.Snapshot) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ts := snap.Timestamp.UnixNano()
	for _, c := range snap.Channels {
		_, err := tx.Exec(`
			INSERT INTO channel_stats (
				run_id, channel, ts, datagrams, bytes, fragments, duplicates,
				rejected, frames, frame_bytes, write_failures, discarded
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, c.Name, ts, c.Datagrams, c.Bytes, c.Fragments, c.Duplicates,
			c.Rejected, c.Frames, c.FrameBytes, c.WriteFailures, c.Discarded,
		)
		if err != nil {
			return fmt.Errorf("failed to record stats for %s: %w", c.Name, err)
		}
	}
	return tx.Commit()
}

// LatestChannelStats returns the most recent counters stored for each
// channel of a run.
func (db *DB) LatestChannelStats(runID string) (map[string]stats.Counters, error) {
	rows, err := db.Query(`
		SELECT s.channel, s.datagrams, s.bytes, s.fragments, s.duplicates,
		       s.rejected, s.frames, s.frame_bytes, s.write_failures, s.discarded
		FROM channel_stats s
		JOIN (
			SELECT channel, MAX(ts) AS ts FROM channel_stats WHERE run_id = ? GROUP BY channel
		) latest ON latest.channel = s.channel AND latest.ts = s.ts
		WHERE s.run_id = ?`, runID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]stats.Counters)
	for rows.Next() {
		var name string
		var c stats.Counters
		if err := rows.Scan(&name, &c.Datagrams, &c.Bytes, &c.Fragments, &c.Duplicates,
			&c.Rejected, &c.Frames, &c.FrameBytes, &c.WriteFailures, &c.Discarded); err != nil {
			return nil, err
		}
		out[name] = c
	}
	return out, rows.Err()
}
