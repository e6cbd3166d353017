package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const sourceCols = `id, name, url, refresh_interval, enabled, category, secondary_genres, last_fetch_at, last_success_at, last_error`

func scanSource(sc interface{ Scan(...any) error }) (EPGSource, error) {
	var src EPGSource
	var interval, genres string
	var enabled int
	var fetched, success int64
	if err := sc.Scan(&src.ID, &src.Name, &src.URL, &interval, &enabled, &src.Category, &genres, &fetched, &success, &src.LastError); err != nil {
		return src, err
	}
	src.Enabled = enabled == 1
	src.LastFetchAt = timeOrZero(fetched)
	src.LastSuccessAt = timeOrZero(success)
	if d, err := time.ParseDuration(interval); err == nil {
		src.RefreshInterval = d
	}
	if genres != "" {
		_ = json.Unmarshal([]byte(genres), &src.SecondaryGenres)
	}
	return src, nil
}

// SaveEPGSource inserts or updates a source's configuration. Disabling a
// source purges its programs that ended before retentionCutoff.
func (s *Store) SaveEPGSource(ctx context.Context, src EPGSource, retentionCutoff time.Time) (EPGSource, error) {
	if strings.TrimSpace(src.URL) == "" {
		return src, fmt.Errorf("%w: epg source url required", ErrConflict)
	}
	if src.ID == "" {
		src.ID = NewID()
	}
	if src.RefreshInterval <= 0 {
		src.RefreshInterval = 4 * time.Hour
	}
	genres, err := json.Marshal(src.SecondaryGenres)
	if err != nil {
		return src, err
	}
	if src.SecondaryGenres == nil {
		genres = []byte("[]")
	}
	err = s.Write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO epg_sources (id, name, url, refresh_interval, enabled, category, secondary_genres)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, url = excluded.url, refresh_interval = excluded.refresh_interval,
				enabled = excluded.enabled, category = excluded.category, secondary_genres = excluded.secondary_genres`,
			src.ID, src.Name, src.URL, src.RefreshInterval.String(), boolInt(src.Enabled), src.Category, string(genres)); err != nil {
			return err
		}
		if !src.Enabled {
			_, err := tx.ExecContext(ctx, `DELETE FROM epg_programs WHERE source_id = ? AND end_time < ?`, src.ID, retentionCutoff.Unix())
			return err
		}
		return nil
	})
	if err == nil {
		s.bump(DomainEPG)
	}
	return src, err
}

// GetEPGSource returns a source by id.
func (s *Store) GetEPGSource(ctx context.Context, id string) (EPGSource, error) {
	src, err := scanSource(s.db.QueryRowContext(ctx, `SELECT `+sourceCols+` FROM epg_sources WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return src, ErrNotFound
	}
	return src, err
}

// ListEPGSources returns all sources ordered by name.
func (s *Store) ListEPGSources(ctx context.Context) ([]EPGSource, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sourceCols+` FROM epg_sources ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EPGSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// DeleteEPGSource removes a source together with its channels and programs.
func (s *Store) DeleteEPGSource(ctx context.Context, id string) error {
	err := s.Write(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM epg_programs WHERE source_id = ?`,
			`DELETE FROM epg_channels WHERE source_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM epg_sources WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err == nil {
		s.bump(DomainEPG)
	}
	return err
}

// RecordEPGFetch stores the outcome of a refresh attempt. A nil fetchErr
// marks success and clears last_error; existing data is never touched.
func (s *Store) RecordEPGFetch(ctx context.Context, id string, at time.Time, fetchErr error) error {
	return s.Write(ctx, func(tx *sql.Tx) error {
		var err error
		if fetchErr == nil {
			_, err = tx.ExecContext(ctx, `UPDATE epg_sources SET last_fetch_at = ?, last_success_at = ?, last_error = '' WHERE id = ?`,
				at.Unix(), at.Unix(), id)
		} else {
			_, err = tx.ExecContext(ctx, `UPDATE epg_sources SET last_fetch_at = ?, last_error = ? WHERE id = ?`,
				at.Unix(), fetchErr.Error(), id)
		}
		return err
	})
}

// IngestResult counts what an ingest changed.
type IngestResult struct {
	Channels   int
	Programs   int
	Superseded int // older overlapping rows replaced by newer data
	Purged     int
}

// IngestEPG replaces sourceID's channel set and upserts its programs by
// (channel_id, start_time) in one transaction. Existing programs overlapping
// an incoming one on the same channel are superseded. Programs that ended
// before purgeBefore are then deleted. progs must be sorted by channel and
// start with no overlaps inside the batch.
func (s *Store) IngestEPG(ctx context.Context, sourceID string, chans []EPGChannel, progs []EPGProgram, fetchedAt, purgeBefore time.Time) (IngestResult, error) {
	var res IngestResult
	err := s.Write(ctx, func(tx *sql.Tx) error {
		res = IngestResult{}
		if _, err := tx.ExecContext(ctx, `DELETE FROM epg_channels WHERE source_id = ?`, sourceID); err != nil {
			return err
		}
		chStmt, err := tx.PrepareContext(ctx, `INSERT INTO epg_channels (epg_id, source_id, display_name, icon) VALUES (?, ?, ?, ?)
			ON CONFLICT(epg_id) DO UPDATE SET source_id = excluded.source_id, display_name = excluded.display_name, icon = excluded.icon`)
		if err != nil {
			return err
		}
		defer chStmt.Close()
		for _, c := range chans {
			if _, err := chStmt.ExecContext(ctx, c.EPGID, sourceID, c.DisplayName, c.Icon); err != nil {
				return fmt.Errorf("channel %s: %w", c.EPGID, err)
			}
			res.Channels++
		}

		delStmt, err := tx.PrepareContext(ctx, `DELETE FROM epg_programs
			WHERE channel_id = ? AND start_time < ? AND end_time > ? AND start_time <> ?`)
		if err != nil {
			return err
		}
		defer delStmt.Close()
		upStmt, err := tx.PrepareContext(ctx, `INSERT INTO epg_programs
			(id, source_id, channel_id, title, sub_title, description, category, start_time, end_time, season, episode, icon, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(channel_id, start_time) DO UPDATE SET source_id = excluded.source_id, title = excluded.title,
				sub_title = excluded.sub_title, description = excluded.description, category = excluded.category,
				end_time = excluded.end_time, season = excluded.season, episode = excluded.episode, icon = excluded.icon,
				fetched_at = excluded.fetched_at`)
		if err != nil {
			return err
		}
		defer upStmt.Close()
		for _, p := range progs {
			start, end := p.Start.Unix(), p.End.Unix()
			if end <= start {
				continue
			}
			r, err := delStmt.ExecContext(ctx, p.ChannelID, end, start, start)
			if err != nil {
				return err
			}
			n, _ := r.RowsAffected()
			res.Superseded += int(n)
			id := p.ID
			if id == "" {
				id = NewID()
			}
			if _, err := upStmt.ExecContext(ctx, id, sourceID, p.ChannelID, p.Title, p.SubTitle, p.Description, p.Category,
				start, end, nullInt(p.Season), nullInt(p.Episode), p.Icon, fetchedAt.Unix()); err != nil {
				return fmt.Errorf("programme %s@%d: %w", p.ChannelID, start, err)
			}
			res.Programs++
		}
		r, err := tx.ExecContext(ctx, `DELETE FROM epg_programs WHERE end_time < ?`, purgeBefore.Unix())
		if err != nil {
			return err
		}
		n, _ := r.RowsAffected()
		res.Purged = int(n)
		return nil
	})
	if err == nil {
		s.bump(DomainEPG)
	}
	return res, err
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

const programCols = `id, source_id, channel_id, title, sub_title, description, category, start_time, end_time, season, episode, icon`

func scanProgram(sc interface{ Scan(...any) error }) (EPGProgram, error) {
	var p EPGProgram
	var start, end int64
	var season, episode sql.NullInt64
	if err := sc.Scan(&p.ID, &p.SourceID, &p.ChannelID, &p.Title, &p.SubTitle, &p.Description, &p.Category,
		&start, &end, &season, &episode, &p.Icon); err != nil {
		return p, err
	}
	p.Start = time.Unix(start, 0).UTC()
	p.End = time.Unix(end, 0).UTC()
	if season.Valid {
		v := int(season.Int64)
		p.Season = &v
	}
	if episode.Valid {
		v := int(episode.Int64)
		p.Episode = &v
	}
	return p, nil
}

func (s *Store) queryPrograms(ctx context.Context, q string, args ...any) ([]EPGProgram, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EPGProgram
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ProgramsBetween returns programs overlapping [from, to) for the given XMLTV
// channel ids (all channels when ids is empty), ordered by channel then start.
func (s *Store) ProgramsBetween(ctx context.Context, ids []string, from, to time.Time) ([]EPGProgram, error) {
	q := `SELECT ` + programCols + ` FROM epg_programs WHERE end_time > ? AND start_time < ?`
	args := []any{from.Unix(), to.Unix()}
	if len(ids) > 0 {
		q += ` AND channel_id IN (` + placeholders(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	q += ` ORDER BY channel_id, start_time`
	return s.queryPrograms(ctx, q, args...)
}

// ProgramAt returns the program on channelID airing at t.
func (s *Store) ProgramAt(ctx context.Context, channelID string, t time.Time) (EPGProgram, error) {
	p, err := scanProgram(s.db.QueryRowContext(ctx, `SELECT `+programCols+` FROM epg_programs
		WHERE channel_id = ? AND start_time <= ? AND end_time > ? ORDER BY start_time DESC LIMIT 1`,
		channelID, t.Unix(), t.Unix()))
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

// NextProgram returns the first program on channelID starting after t.
func (s *Store) NextProgram(ctx context.Context, channelID string, t time.Time) (EPGProgram, error) {
	p, err := scanProgram(s.db.QueryRowContext(ctx, `SELECT `+programCols+` FROM epg_programs
		WHERE channel_id = ? AND start_time > ? ORDER BY start_time LIMIT 1`, channelID, t.Unix()))
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

// SearchPrograms matches q against title, sub-title and description within [from, to).
func (s *Store) SearchPrograms(ctx context.Context, q string, from, to time.Time, limit int) ([]EPGProgram, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	like := "%" + escapeLike(strings.TrimSpace(q)) + "%"
	return s.queryPrograms(ctx, `SELECT `+programCols+` FROM epg_programs
		WHERE end_time > ? AND start_time < ?
			AND (title LIKE ? ESCAPE '\' OR sub_title LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\')
		ORDER BY start_time, channel_id LIMIT ?`,
		from.Unix(), to.Unix(), like, like, like, limit)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

// ListEPGChannels returns every ingested XMLTV channel.
func (s *Store) ListEPGChannels(ctx context.Context) ([]EPGChannel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT epg_id, source_id, display_name, icon FROM epg_channels ORDER BY epg_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EPGChannel
	for rows.Next() {
		var c EPGChannel
		if err := rows.Scan(&c.EPGID, &c.SourceID, &c.DisplayName, &c.Icon); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ProgramChannelIDs returns the set of channel ids that have at least one program.
func (s *Store) ProgramChannelIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT channel_id FROM epg_programs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// SourceCounts is the per-source channel/program tally.
type SourceCounts struct {
	Channels int
	Programs int
}

// EPGSourceCounts returns channel and program counts keyed by source id.
func (s *Store) EPGSourceCounts(ctx context.Context) (map[string]SourceCounts, error) {
	out := make(map[string]SourceCounts)
	rows, err := s.db.QueryContext(ctx, `SELECT source_id, COUNT(*) FROM epg_channels GROUP BY source_id`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			rows.Close()
			return nil, err
		}
		c := out[id]
		c.Channels = n
		out[id] = c
	}
	rows.Close()
	rows, err = s.db.QueryContext(ctx, `SELECT source_id, COUNT(*) FROM epg_programs GROUP BY source_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		c := out[id]
		c.Programs = n
		out[id] = c
	}
	return out, rows.Err()
}

// PurgePrograms deletes programs that ended before cutoff.
func (s *Store) PurgePrograms(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM epg_programs WHERE end_time < ?`, cutoff.Unix())
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err == nil && n > 0 {
		s.bump(DomainEPG)
	}
	return n, err
}

// ListAliases returns all curated alias rules.
func (s *Store) ListAliases(ctx context.Context) ([]EPGAlias, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, pattern, target FROM epg_aliases ORDER BY kind, pattern`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EPGAlias
	for rows.Next() {
		var a EPGAlias
		var kind string
		if err := rows.Scan(&kind, &a.Match, &a.Target); err != nil {
			return nil, err
		}
		a.Kind = AliasKind(kind)
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveAlias upserts an alias rule.
func (s *Store) SaveAlias(ctx context.Context, a EPGAlias) error {
	switch a.Kind {
	case AliasName, AliasNumber, AliasPrefix:
	default:
		return fmt.Errorf("%w: unknown alias kind %q", ErrConflict, a.Kind)
	}
	if a.Match == "" {
		return fmt.Errorf("%w: alias match required", ErrConflict)
	}
	err := s.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO epg_aliases (kind, pattern, target) VALUES (?, ?, ?)
			ON CONFLICT(kind, pattern) DO UPDATE SET target = excluded.target`, string(a.Kind), a.Match, a.Target)
		return err
	})
	if err == nil {
		s.bump(DomainEPG)
	}
	return err
}

// DeleteAlias removes an alias rule.
func (s *Store) DeleteAlias(ctx context.Context, kind AliasKind, match string) error {
	err := s.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM epg_aliases WHERE kind = ? AND pattern = ?`, string(kind), match)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err == nil {
		s.bump(DomainEPG)
	}
	return err
}
