// SPDX-License-Identifier: AGPL-3.0-only

// Package store is a non-authoritative job history audit log. It never
// feeds back into the live queue: on restart the spooler rebuilds its
// in-memory JobQueue purely from the spool directory's file presence
// (spool.SetupRunDirs), exactly as the Non-goals require. This table exists
// only so an operator can answer "what happened to job X" after the fact.
//
// Grounded on the teacher repo's store/store.go schema/migration pattern,
// repurposed from a download-job record to a status-transition log.
package store

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Transition is one row of the audit log: a job moved from oldStatus to
// newStatus at a point in time.
type Transition struct {
	ID        int64     `json:"id"`
	UID       string    `json:"uid"`
	User      string    `json:"user"`
	JobType   string    `json:"job_type"`
	OldStatus string    `json:"old_status"`
	NewStatus string    `json:"new_status"`
	At        time.Time `json:"at"`
}

type Store struct {
	db *sql.DB
}

// Open creates (if needed) the sqlite file at path and its schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS job_transitions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            uid TEXT NOT NULL,
            user TEXT NOT NULL,
            job_type TEXT NOT NULL,
            old_status TEXT NOT NULL,
            new_status TEXT NOT NULL,
            at DATETIME NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_job_transitions_uid ON job_transitions(uid);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// RecordTransition appends one status-change row.
func (s *Store) RecordTransition(uid, user, jobType, oldStatus, newStatus string) error {
	_, err := s.db.Exec(
		`INSERT INTO job_transitions (uid, user, job_type, old_status, new_status, at) VALUES (?, ?, ?, ?, ?, ?)`,
		uid, user, jobType, oldStatus, newStatus, time.Now().UTC(),
	)
	return err
}

// RecordTermination is a convenience wrapper logging the final status a
// job settled into, used by the controller at job completion.
func (s *Store) RecordTermination(uid, user, jobType, finalStatus string) error {
	return s.RecordTransition(uid, user, jobType, "(terminated)", finalStatus)
}

// History returns every recorded transition for uid, oldest first. This is
// an operator/debugging read path; it is never consulted by the spooler
// itself to reconstruct queue state.
func (s *Store) History(uid string) ([]Transition, error) {
	rows, err := s.db.Query(
		`SELECT id, uid, user, job_type, old_status, new_status, at FROM job_transitions WHERE uid = ? ORDER BY id ASC`,
		uid,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.UID, &t.User, &t.JobType, &t.OldStatus, &t.NewStatus, &t.At); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
