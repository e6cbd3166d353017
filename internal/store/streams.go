package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const streamCols = `id, channel_id, name, url, type, enabled, auth, headers, protocol_options, profile_id,
	connection_limits, reliability_profile, reliability_score, failure_count, created_at`

func scanStream(sc interface{ Scan(...any) error }) (Stream, error) {
	var st Stream
	var typ, auth, headers, opts string
	var enabled int
	var created int64
	if err := sc.Scan(&st.ID, &st.ChannelID, &st.Name, &st.URL, &typ, &enabled, &auth, &headers, &opts, &st.ProfileID,
		&st.ConnectionLimits, &st.ReliabilityProfile, &st.ReliabilityScore, &st.FailureCount, &created); err != nil {
		return st, err
	}
	st.Type = StreamType(typ)
	st.Enabled = enabled == 1
	st.CreatedAt = timeOrZero(created)
	if auth != "" {
		st.Auth = &StreamAuth{}
		if err := json.Unmarshal([]byte(auth), st.Auth); err != nil {
			return st, fmt.Errorf("store: stream %s auth: %w", st.ID, err)
		}
	}
	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &st.Headers); err != nil {
			return st, fmt.Errorf("store: stream %s headers: %w", st.ID, err)
		}
	}
	if opts != "" {
		if err := json.Unmarshal([]byte(opts), &st.ProtocolOptions); err != nil {
			return st, fmt.Errorf("store: stream %s protocol_options: %w", st.ID, err)
		}
	}
	return st, nil
}

// SaveStream inserts or updates a stream. The channel must exist; a stream
// cannot be enabled on a disabled channel.
func (s *Store) SaveStream(ctx context.Context, st Stream) (Stream, error) {
	if st.URL == "" {
		return st, fmt.Errorf("%w: stream url required", ErrConflict)
	}
	if !ValidStreamType(st.Type) {
		return st, fmt.Errorf("%w: unknown stream type %q", ErrConflict, st.Type)
	}
	if st.ID == "" {
		st.ID = NewID()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	var auth string
	if st.Auth != nil {
		b, err := json.Marshal(st.Auth)
		if err != nil {
			return st, err
		}
		auth = string(b)
	}
	headers, err := json.Marshal(st.Headers)
	if err != nil {
		return st, err
	}
	opts, err := json.Marshal(st.ProtocolOptions)
	if err != nil {
		return st, err
	}
	err = s.Write(ctx, func(tx *sql.Tx) error {
		var chEnabled int
		err := tx.QueryRowContext(ctx, `SELECT enabled FROM channels WHERE id = ?`, st.ChannelID).Scan(&chEnabled)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: channel %s", ErrNotFound, st.ChannelID)
		}
		if err != nil {
			return err
		}
		if chEnabled == 0 && st.Enabled {
			st.Enabled = false
		}
		if st.ProfileID != "" {
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcode_profiles WHERE id = ?`, st.ProfileID).Scan(&n); err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%w: profile %s", ErrNotFound, st.ProfileID)
			}
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO streams (`+streamCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET channel_id = excluded.channel_id, name = excluded.name, url = excluded.url,
				type = excluded.type, enabled = excluded.enabled, auth = excluded.auth, headers = excluded.headers,
				protocol_options = excluded.protocol_options, profile_id = excluded.profile_id,
				connection_limits = excluded.connection_limits, reliability_profile = excluded.reliability_profile`,
			st.ID, st.ChannelID, st.Name, st.URL, string(st.Type), boolInt(st.Enabled), auth, string(headers), string(opts), st.ProfileID,
			st.ConnectionLimits, st.ReliabilityProfile, st.reliabilityOrDefault(), st.FailureCount, st.CreatedAt.Unix())
		return err
	})
	if err == nil {
		s.bump(DomainLineup)
	}
	return st, err
}

func (st Stream) reliabilityOrDefault() float64 {
	if st.ReliabilityScore == 0 && st.FailureCount == 0 {
		return 1
	}
	return st.ReliabilityScore
}

// GetStream returns the stream with id.
func (s *Store) GetStream(ctx context.Context, id string) (Stream, error) {
	st, err := scanStream(s.db.QueryRowContext(ctx, `SELECT `+streamCols+` FROM streams WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return st, ErrNotFound
	}
	return st, err
}

// ActiveStream returns the stream used to tune channelID: the earliest
// inserted enabled stream.
func (s *Store) ActiveStream(ctx context.Context, channelID string) (Stream, error) {
	st, err := scanStream(s.db.QueryRowContext(ctx, `SELECT `+streamCols+` FROM streams
		WHERE channel_id = ? AND enabled = 1 ORDER BY seq LIMIT 1`, channelID))
	if errors.Is(err, sql.ErrNoRows) {
		return st, ErrNotFound
	}
	return st, err
}

// ListStreams returns the streams of a channel in insertion order; an empty
// channelID lists all streams.
func (s *Store) ListStreams(ctx context.Context, channelID string) ([]Stream, error) {
	q := `SELECT ` + streamCols + ` FROM streams`
	var args []any
	if channelID != "" {
		q += ` WHERE channel_id = ?`
		args = append(args, channelID)
	}
	q += ` ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// reliabilityAlpha is the EMA weight of the newest observation.
const reliabilityAlpha = 0.2

// RecordStreamOutcome folds one session outcome into the stream's
// reliability counters. A failure increments failure_count; a clean session
// decays it by one.
func (s *Store) RecordStreamOutcome(ctx context.Context, id string, ok bool) error {
	obs := 0.0
	if ok {
		obs = 1.0
	}
	return s.Write(ctx, func(tx *sql.Tx) error {
		q := `UPDATE streams SET reliability_score = reliability_score * ? + ? * ?, failure_count = failure_count + 1 WHERE id = ?`
		if ok {
			q = `UPDATE streams SET reliability_score = reliability_score * ? + ? * ?, failure_count = MAX(failure_count - 1, 0) WHERE id = ?`
		}
		res, err := tx.ExecContext(ctx, q, 1-reliabilityAlpha, reliabilityAlpha, obs, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetReliabilityProfile pins (or clears, with "") the escalation override of a stream.
func (s *Store) SetReliabilityProfile(ctx context.Context, id, profile string) error {
	return s.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE streams SET reliability_profile = ? WHERE id = ?`, profile, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteStream removes a stream not referenced by a live session.
func (s *Store) DeleteStream(ctx context.Context, id string) error {
	err := s.Write(ctx, func(tx *sql.Tx) error {
		var live int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE stream_id = ? AND state IN ('connecting', 'streaming')`, id).Scan(&live); err != nil {
			return err
		}
		if live > 0 {
			return fmt.Errorf("%w: stream %s has live sessions", ErrConflict, id)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM streams WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err == nil {
		s.bump(DomainLineup)
	}
	return err
}
