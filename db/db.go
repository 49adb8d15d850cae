// Package db provides the Postgres connection, schema migration and the stream session index.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/chatpeak/collector"
)

// ErrNotFound is returned when a stream id has no index row.
var ErrNotFound = errors.New("session not found")

// Connect opens a Postgres connection pool for dsn.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("empty DB_DSN")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// SessionRow is one stream_sessions row.
type SessionRow struct {
	StreamID       string
	Channel        string
	Token          string
	Title          string
	Dir            string
	StartedAt      time.Time
	EndedAt        *time.Time
	Status         collector.Status
	FinalizeReason collector.Reason
	Final          bool
	EventCount     int64
	ReconnectCount int64
	AppendFailures int64
	PeakCount      *int
	AnalysedAt     *time.Time
}

// Index mirrors stream session lifecycle into Postgres. The files on disk stay the source
// of truth; the index serves queries across streams.
type Index struct{ DB *sql.DB }

// UpsertSession records a session when its collector starts (or re-attaches).
func (ix *Index) UpsertSession(ctx context.Context, s collector.Session, status collector.Status) error {
	q := `INSERT INTO stream_sessions(stream_id, channel, token, title, dir, started_at, status, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		  ON CONFLICT(stream_id) DO UPDATE SET
		    status=EXCLUDED.status,
		    dir=EXCLUDED.dir,
		    title=COALESCE(NULLIF(EXCLUDED.title, ''), stream_sessions.title),
		    final=FALSE,
		    updated_at=NOW()`
	_, err := ix.DB.ExecContext(ctx, q, s.StreamID, s.ChannelID, s.Token, s.Title, s.Dir, s.StartedAt, string(status))
	return err
}

// MarkFinalized stores the collection report figures.
func (ix *Index) MarkFinalized(ctx context.Context, r collector.Report) error {
	q := `UPDATE stream_sessions SET
		    ended_at=$2, status=$3, finalize_reason=$4, final=$5,
		    event_count=$6, reconnect_count=$7, append_failures=$8, updated_at=NOW()
		  WHERE stream_id=$1`
	res, err := ix.DB.ExecContext(ctx, q, r.StreamID, r.EndTime, string(r.Status), string(r.FinalizeReason), r.Final,
		r.EventCount, r.ReconnectCount, r.AppendFailures)
	if err != nil {
		return err
	}
	return expectRow(res, r.StreamID)
}

// MarkAnalysed stores the peak count once artifacts were written.
func (ix *Index) MarkAnalysed(ctx context.Context, streamID string, peaks int, at time.Time) error {
	res, err := ix.DB.ExecContext(ctx,
		`UPDATE stream_sessions SET peak_count=$2, analysed_at=$3, updated_at=NOW() WHERE stream_id=$1`,
		streamID, peaks, at)
	if err != nil {
		return err
	}
	return expectRow(res, streamID)
}

// DeleteSession removes a session's row once its directory was pruned. Unknown ids are not an error.
func (ix *Index) DeleteSession(ctx context.Context, streamID string) error {
	_, err := ix.DB.ExecContext(ctx, `DELETE FROM stream_sessions WHERE stream_id=$1`, streamID)
	return err
}

// GetSession loads one row.
func (ix *Index) GetSession(ctx context.Context, streamID string) (SessionRow, error) {
	row := ix.DB.QueryRowContext(ctx, selectSessions+` WHERE stream_id=$1`, streamID)
	r, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: %s", ErrNotFound, streamID)
	}
	return r, err
}

// ListSessions returns a channel's most recent sessions, newest first. An empty channel
// lists all channels.
func (ix *Index) ListSessions(ctx context.Context, channel string, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := ix.DB.QueryContext(ctx,
		selectSessions+` WHERE ($1::text = '' OR channel = $1) ORDER BY started_at DESC LIMIT $2`, channel, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRow
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const selectSessions = `SELECT stream_id, channel, token, COALESCE(title, ''), dir, started_at, ended_at, status,
	COALESCE(finalize_reason, ''), final, event_count, reconnect_count, append_failures, peak_count, analysed_at
	FROM stream_sessions`

type scanner interface{ Scan(dest ...any) error }

func scanSession(s scanner) (SessionRow, error) {
	var r SessionRow
	var status, reason string
	var ended, analysed sql.NullTime
	var peaks sql.NullInt64
	err := s.Scan(&r.StreamID, &r.Channel, &r.Token, &r.Title, &r.Dir, &r.StartedAt, &ended, &status,
		&reason, &r.Final, &r.EventCount, &r.ReconnectCount, &r.AppendFailures, &peaks, &analysed)
	if err != nil {
		return r, err
	}
	r.Status = collector.Status(status)
	r.FinalizeReason = collector.Reason(reason)
	if ended.Valid {
		t := ended.Time
		r.EndedAt = &t
	}
	if analysed.Valid {
		t := analysed.Time
		r.AnalysedAt = &t
	}
	if peaks.Valid {
		n := int(peaks.Int64)
		r.PeakCount = &n
	}
	return r, nil
}

func expectRow(res sql.Result, streamID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, streamID)
	}
	return nil
}
