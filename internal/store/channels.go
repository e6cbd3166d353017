package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const channelCols = `id, number, name, enabled, epg_id, logo, created_at`

func scanChannel(sc interface{ Scan(...any) error }) (Channel, error) {
	var c Channel
	var enabled int
	var created int64
	if err := sc.Scan(&c.ID, &c.Number, &c.Name, &enabled, &c.EPGID, &c.Logo, &created); err != nil {
		return c, err
	}
	c.Enabled = enabled == 1
	c.CreatedAt = timeOrZero(created)
	return c, nil
}

// SaveChannel inserts or updates a channel. Numbers must be positive and
// unique among enabled channels. Disabling a channel disables its streams.
func (s *Store) SaveChannel(ctx context.Context, c Channel) (Channel, error) {
	if c.Number <= 0 {
		return c, fmt.Errorf("%w: channel number must be positive", ErrConflict)
	}
	if strings.TrimSpace(c.Name) == "" {
		return c, fmt.Errorf("%w: channel name required", ErrConflict)
	}
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	err := s.Write(ctx, func(tx *sql.Tx) error {
		if c.Enabled {
			var other string
			err := tx.QueryRowContext(ctx, `SELECT id FROM channels WHERE number = ? AND enabled = 1 AND id <> ?`, c.Number, c.ID).Scan(&other)
			if err == nil {
				return fmt.Errorf("%w: channel number %d already used by %s", ErrConflict, c.Number, other)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO channels (`+channelCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET number = excluded.number, name = excluded.name, enabled = excluded.enabled,
				epg_id = excluded.epg_id, logo = excluded.logo`,
			c.ID, c.Number, c.Name, boolInt(c.Enabled), c.EPGID, c.Logo, c.CreatedAt.Unix()); err != nil {
			return err
		}
		if !c.Enabled {
			if _, err := tx.ExecContext(ctx, `UPDATE streams SET enabled = 0 WHERE channel_id = ?`, c.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		s.bump(DomainLineup, DomainEPG)
	}
	return c, err
}

// GetChannel returns the channel with id.
func (s *Store) GetChannel(ctx context.Context, id string) (Channel, error) {
	c, err := scanChannel(s.db.QueryRowContext(ctx, `SELECT `+channelCols+` FROM channels WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

// GetChannelByNumber returns the enabled channel with number.
func (s *Store) GetChannelByNumber(ctx context.Context, number int) (Channel, error) {
	c, err := scanChannel(s.db.QueryRowContext(ctx, `SELECT `+channelCols+` FROM channels WHERE number = ? AND enabled = 1`, number))
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

// ListChannels returns channels ordered by number.
func (s *Store) ListChannels(ctx context.Context, enabledOnly bool) ([]Channel, error) {
	q := `SELECT ` + channelCols + ` FROM channels`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY number, created_at`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountChannels returns the number of enabled channels.
func (s *Store) CountChannels(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels WHERE enabled = 1`).Scan(&n)
	return n, err
}

// DeleteChannel removes a channel and its streams. It refuses while a live
// session references the channel.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	err := s.Write(ctx, func(tx *sql.Tx) error {
		var live int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE channel_id = ? AND state IN ('connecting', 'streaming')`, id).Scan(&live); err != nil {
			return err
		}
		if live > 0 {
			return fmt.Errorf("%w: channel %s has %d live sessions", ErrConflict, id, live)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM streams WHERE channel_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err == nil {
		s.bump(DomainLineup, DomainEPG)
	}
	return err
}

// Lineup returns every enabled channel that has an enabled stream, ordered by
// number, paired with the stream used for tuning (earliest inserted wins).
func (s *Store) Lineup(ctx context.Context) ([]LineupRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.number, c.name, c.enabled, c.epg_id, c.logo, c.created_at,
			(SELECT st.id FROM streams st WHERE st.channel_id = c.id AND st.enabled = 1 ORDER BY st.seq LIMIT 1)
		FROM channels c
		WHERE c.enabled = 1
			AND EXISTS (SELECT 1 FROM streams st WHERE st.channel_id = c.id AND st.enabled = 1)
		ORDER BY c.number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LineupRow
	for rows.Next() {
		var r LineupRow
		var enabled int
		var created int64
		if err := rows.Scan(&r.Channel.ID, &r.Channel.Number, &r.Channel.Name, &enabled, &r.Channel.EPGID, &r.Channel.Logo, &created, &r.StreamID); err != nil {
			return nil, err
		}
		r.Channel.Enabled = enabled == 1
		r.Channel.CreatedAt = timeOrZero(created)
		out = append(out, r)
	}
	return out, rows.Err()
}
