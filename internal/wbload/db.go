// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package wbload

import (
	"database/sql"
	"fmt"
	"time"

	log "github.com/golang/glog"
	_ "github.com/mattn/go-sqlite3"
)

// RunRecord is the outcome of one finished load run.
type RunRecord struct {
	Started     time.Time
	Duration    time.Duration
	Producers   int
	BlockSize   uint32
	WriteBlocks uint64
	Rate        float64
	Ops         int64
	Failures    int64
	Blocks      int64
	MBPerSec    float64
	MeanLatency time.Duration
	MaxLatency  time.Duration
}

func (r RunRecord) String() string {
	return fmt.Sprintf("%s: %d producers, %d batches (%d failed), %.1f MB/s, mean latency %s, max %s",
		r.Started.Format(time.RFC3339), r.Producers, r.Ops, r.Failures, r.MBPerSec,
		r.MeanLatency.Round(time.Microsecond), r.MaxLatency.Round(time.Microsecond))
}

// RunDB is a persistent DB backed by sqlite. It keeps one row per load run
// so results survive the process and runs can be compared over time.
type RunDB struct {
	db *sql.DB

	putStmt    *sql.Stmt
	recentStmt *sql.Stmt
}

// NewRunDB creates a RunDB backed by the file located at 'path'.
func NewRunDB(path string) *RunDB {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		log.Fatalf("failed to open the db backed by %s: %s", path, err)
	}

	createStmt := `
    CREATE TABLE IF NOT EXISTS runs (
      started INTEGER NOT NULL PRIMARY KEY,
      duration_ms INTEGER NOT NULL,
      producers INTEGER NOT NULL,
      block_size INTEGER NOT NULL,
      write_blocks INTEGER NOT NULL,
      rate REAL NOT NULL,
      ops INTEGER NOT NULL,
      failures INTEGER NOT NULL,
      blocks INTEGER NOT NULL,
      mb_per_sec REAL NOT NULL,
      mean_latency_us INTEGER NOT NULL,
      max_latency_us INTEGER NOT NULL
    )`
	if _, err := db.Exec(createStmt); err != nil {
		log.Fatalf("failed to create table: %s", err)
	}

	putStmt, err := db.Prepare(`
    INSERT INTO runs (started, duration_ms, producers, block_size, write_blocks,
      rate, ops, failures, blocks, mb_per_sec, mean_latency_us, max_latency_us)
      VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		log.Fatalf("failed to prepare put statement: %s", err)
	}

	recentStmt, err := db.Prepare(`
    SELECT started, duration_ms, producers, block_size, write_blocks, rate,
      ops, failures, blocks, mb_per_sec, mean_latency_us, max_latency_us
      FROM runs ORDER BY started DESC LIMIT ?`)
	if err != nil {
		log.Fatalf("failed to prepare recent statement: %s", err)
	}

	return &RunDB{
		db:         db,
		putStmt:    putStmt,
		recentStmt: recentStmt,
	}
}

// Put inserts the record of a finished run.
func (d *RunDB) Put(rec RunRecord) error {
	_, err := d.putStmt.Exec(
		rec.Started.UnixNano(),
		int64(rec.Duration/time.Millisecond),
		rec.Producers,
		rec.BlockSize,
		rec.WriteBlocks,
		rec.Rate,
		rec.Ops,
		rec.Failures,
		rec.Blocks,
		rec.MBPerSec,
		int64(rec.MeanLatency/time.Microsecond),
		int64(rec.MaxLatency/time.Microsecond),
	)
	return err
}

// Recent returns up to 'n' most recent runs, newest first.
func (d *RunDB) Recent(n int) ([]RunRecord, error) {
	rows, err := d.recentStmt.Query(n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var started, durationMs, meanUs, maxUs int64
		if err := rows.Scan(&started, &durationMs, &rec.Producers, &rec.BlockSize,
			&rec.WriteBlocks, &rec.Rate, &rec.Ops, &rec.Failures, &rec.Blocks,
			&rec.MBPerSec, &meanUs, &maxUs); err != nil {
			return nil, err
		}
		rec.Started = time.Unix(0, started)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		rec.MeanLatency = time.Duration(meanUs) * time.Microsecond
		rec.MaxLatency = time.Duration(maxUs) * time.Microsecond
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close closes the database. Further uses of the db will fail.
func (d *RunDB) Close() (err error) {
	for _, s := range []*sql.Stmt{d.putStmt, d.recentStmt} {
		if e := s.Close(); e != nil {
			err = e
		}
	}
	if e := d.db.Close(); e != nil {
		err = e
	}
	return err
}
