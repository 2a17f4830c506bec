// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package history keeps a persistent log of plotting and farming events.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Import sqlite3 driver so that we can create db backed by sqlite.
	_ "github.com/mattn/go-sqlite3"

	log "github.com/golang/glog"

	"github.com/plotfarm/plotfarm/internal/core"
	"github.com/plotfarm/plotfarm/internal/farmer"
)

// Event kinds.
const (
	KindPlotted      = "plotted"
	KindReplotted    = "replotted"
	KindPlotError    = "plot_error"
	KindExpired      = "expired"
	KindProof        = "proof"
	KindProofFailed  = "proof_failed"
	KindFarmingError = "farming_error"
)

// Event is one recorded event.
type Event struct {
	Time   time.Time
	Farm   core.FarmIndex
	Sector core.SectorIndex
	Kind   string
	Detail string
}

func (e Event) String() string {
	s := fmt.Sprintf("%s farm %d", e.Time.Format(time.RFC3339), e.Farm)
	if e.Kind != KindProof && e.Kind != KindProofFailed && e.Kind != KindFarmingError {
		s += fmt.Sprintf(" sector %d", e.Sector)
	}
	s += " " + e.Kind
	if e.Detail != "" {
		s += ": " + e.Detail
	}
	return s
}

// DB is a persistent event log backed by sqlite.
type DB struct {
	// The sqlite database.
	db *sql.DB

	// Prepared statements for operating on the 'events' table.
	putStmt, recentStmt, countStmt, pruneStmt *sql.Stmt
}

// Open opens or creates the event log at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open the db backed by %s: %w", path, err)
	}

	createStmt := "CREATE TABLE IF NOT EXISTS events (id INTEGER PRIMARY KEY AUTOINCREMENT, time INTEGER NOT NULL, " +
		"farm INTEGER NOT NULL, sector INTEGER NOT NULL, kind TEXT NOT NULL, detail TEXT NOT NULL)"
	if _, err := db.Exec(createStmt); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create events table: %w", err)
	}

	d := &DB{db: db}
	stmts := []struct {
		stmt  **sql.Stmt
		query string
	}{
		// Insert an event.
		{&d.putStmt, "INSERT INTO events (time, farm, sector, kind, detail) VALUES (?, ?, ?, ?, ?)"},
		// Retrieve the most recent events, newest first.
		{&d.recentStmt, "SELECT time, farm, sector, kind, detail FROM events ORDER BY id DESC LIMIT ?"},
		// Count events by kind.
		{&d.countStmt, "SELECT kind, COUNT(*) FROM events GROUP BY kind"},
		// Drop events older than a time.
		{&d.pruneStmt, "DELETE FROM events WHERE time<?"},
	}
	for _, s := range stmts {
		if *s.stmt, err = db.Prepare(s.query); err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to prepare %q: %w", s.query, err)
		}
	}
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	for _, s := range []*sql.Stmt{d.putStmt, d.recentStmt, d.countStmt, d.pruneStmt} {
		if s != nil {
			s.Close()
		}
	}
	return d.db.Close()
}

// Put stores an event.
func (d *DB) Put(e Event) error {
	_, err := d.putStmt.Exec(e.Time.UnixNano(), int(e.Farm), int(e.Sector), e.Kind, e.Detail)
	if err != nil {
		log.Errorf("failed to insert event %s: %s", e, err)
	}
	return err
}

// Recent returns up to n of the latest events, newest first.
func (d *DB) Recent(n int) ([]Event, error) {
	rows, err := d.recentStmt.Query(n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var t int64
		var farm, sector int
		var e Event
		if err := rows.Scan(&t, &farm, &sector, &e.Kind, &e.Detail); err != nil {
			return nil, err
		}
		e.Time = time.Unix(0, t)
		e.Farm = core.FarmIndex(farm)
		e.Sector = core.SectorIndex(sector)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns the number of events by kind.
func (d *DB) Counts() (map[string]int, error) {
	rows, err := d.countStmt.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, rows.Err()
}

// Prune deletes events older than before and returns how many it deleted.
func (d *DB) Prune(before time.Time) (int64, error) {
	res, err := d.pruneStmt.Exec(before.UnixNano())
	if err != nil {
		log.Errorf("failed to prune events before %s: %s", before, err)
		return 0, err
	}
	return res.RowsAffected()
}

// SectorEvent converts a sector update into an event. ok is false for updates
// that aren't worth keeping.
func SectorEvent(farm core.FarmIndex, u core.SectorUpdate, now time.Time) (e Event, ok bool) {
	e = Event{Time: now, Farm: farm, Sector: u.SectorIndex}
	switch {
	case u.Plotting != nil && u.Plotting.Stage == core.PlottingFinished:
		e.Kind = KindPlotted
		if u.Plotting.Replotting {
			e.Kind = KindReplotted
		}
		e.Detail = u.Plotting.Duration.String()
	case u.Plotting != nil && u.Plotting.Stage == core.PlottingError:
		e.Kind = KindPlotError
		if u.Plotting.Err != nil {
			e.Detail = u.Plotting.Err.Error()
		}
	case u.Expiration != nil && u.Expiration.Stage == core.ExpirationExpired:
		e.Kind = KindExpired
		e.Detail = fmt.Sprintf("at segment %d", u.Expiration.ExpiresAt)
	default:
		return Event{}, false
	}
	return e, true
}

// FarmingEvent converts a farming notification into an event. Audits aren't
// kept.
func FarmingEvent(farm core.FarmIndex, n core.FarmingNotification, now time.Time) (e Event, ok bool) {
	e = Event{Time: now, Farm: farm}
	switch n.Kind {
	case core.FarmingProving:
		e.Kind = KindProof
		if !n.Success {
			e.Kind = KindProofFailed
			if n.Err != nil {
				e.Detail = n.Err.Error()
			}
		}
	case core.FarmingNonFatalError:
		e.Kind = KindFarmingError
		if n.Err != nil {
			e.Detail = n.Err.Error()
		}
	default:
		return Event{}, false
	}
	return e, true
}

// Follow records events from the farmer's subscriptions until ctx is done.
func (d *DB) Follow(ctx context.Context, sectors <-chan farmer.SectorEvent, farming <-chan farmer.FarmingEvent) {
	for {
		var e Event
		var ok bool
		select {
		case <-ctx.Done():
			return
		case se := <-sectors:
			e, ok = SectorEvent(se.Farm, se.Update, time.Now())
		case fe := <-farming:
			e, ok = FarmingEvent(fe.Farm, fe.Notification, time.Now())
		}
		if ok {
			d.Put(e)
		}
	}
}
