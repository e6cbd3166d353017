package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const sessionCols = `id, channel_id, stream_id, client_fingerprint, client_ip, client_hostname, user_agent,
	started_at, last_activity, ended_at, bytes, current_bitrate, avg_bitrate, peak_bitrate, error_count, state, end_reason`

// SaveSession upserts the full session record.
func (s *Store) SaveSession(ctx context.Context, se Session) error {
	return s.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO sessions (`+sessionCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET client_hostname = excluded.client_hostname,
				last_activity = excluded.last_activity, ended_at = excluded.ended_at, bytes = excluded.bytes,
				current_bitrate = excluded.current_bitrate, avg_bitrate = excluded.avg_bitrate,
				peak_bitrate = excluded.peak_bitrate, error_count = excluded.error_count,
				state = excluded.state, end_reason = excluded.end_reason`,
			se.ID, se.ChannelID, se.StreamID, se.ClientFingerprint, se.ClientIP, se.ClientHostname, se.UserAgent,
			unixMilliOrZero(se.StartedAt), unixMilliOrZero(se.LastActivity), unixMilliOrZero(se.EndedAt),
			se.Bytes, se.CurrentBitrate, se.AvgBitrate, se.PeakBitrate, se.ErrorCount, string(se.State), se.EndReason)
		return err
	})
}

func scanSession(sc interface{ Scan(...any) error }) (Session, error) {
	var se Session
	var started, last, ended int64
	var state string
	err := sc.Scan(&se.ID, &se.ChannelID, &se.StreamID, &se.ClientFingerprint, &se.ClientIP, &se.ClientHostname, &se.UserAgent,
		&started, &last, &ended, &se.Bytes, &se.CurrentBitrate, &se.AvgBitrate, &se.PeakBitrate, &se.ErrorCount, &state, &se.EndReason)
	se.StartedAt = timeOrZeroMilli(started)
	se.LastActivity = timeOrZeroMilli(last)
	se.EndedAt = timeOrZeroMilli(ended)
	se.State = SessionState(state)
	return se, err
}

// GetSession returns a persisted session.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	se, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return se, ErrNotFound
	}
	return se, err
}

// RecentSessions returns up to limit sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionCols+` FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		se, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

// CloseOrphanSessions marks sessions left live by a previous process as ended.
func (s *Store) CloseOrphanSessions(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE sessions SET state = 'ended', end_reason = 'restart', ended_at = ?
			WHERE state IN ('connecting', 'streaming', 'ending')`, now.UnixMilli())
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// PruneSessions deletes ended sessions that ended before cutoff.
func (s *Store) PruneSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE state = 'ended' AND ended_at > 0 AND ended_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
