package store

import (
	"database/sql"
	"fmt"
	"log"
)

// migrations are applied in order; PRAGMA user_version records progress.
var migrations = []string{
	// 1: core entities
	`
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS channels (
	id         TEXT PRIMARY KEY,
	number     INTEGER NOT NULL CHECK (number > 0),
	name       TEXT NOT NULL,
	enabled    INTEGER NOT NULL DEFAULT 1,
	epg_id     TEXT NOT NULL DEFAULT '',
	logo       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_channels_enabled_number ON channels(number) WHERE enabled = 1;
CREATE INDEX IF NOT EXISTS idx_channels_epg_id ON channels(epg_id);

CREATE TABLE IF NOT EXISTS transcode_profiles (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	is_default INTEGER NOT NULL DEFAULT 0,
	is_system  INTEGER NOT NULL DEFAULT 0,
	clients    TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS streams (
	seq                 INTEGER PRIMARY KEY AUTOINCREMENT,
	id                  TEXT NOT NULL UNIQUE,
	channel_id          TEXT NOT NULL REFERENCES channels(id),
	name                TEXT NOT NULL DEFAULT '',
	url                 TEXT NOT NULL,
	type                TEXT NOT NULL,
	enabled             INTEGER NOT NULL DEFAULT 1,
	auth                TEXT NOT NULL DEFAULT '',
	headers             TEXT NOT NULL DEFAULT '{}',
	protocol_options    TEXT NOT NULL DEFAULT '{}',
	profile_id          TEXT NOT NULL DEFAULT '',
	connection_limits   INTEGER NOT NULL DEFAULT 0,
	reliability_profile TEXT NOT NULL DEFAULT '',
	reliability_score   REAL NOT NULL DEFAULT 1.0,
	failure_count       INTEGER NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_streams_channel_enabled ON streams(channel_id, seq) WHERE enabled = 1;
CREATE INDEX IF NOT EXISTS idx_streams_profile ON streams(profile_id);

CREATE TABLE IF NOT EXISTS sessions (
	id                 TEXT PRIMARY KEY,
	channel_id         TEXT NOT NULL,
	stream_id          TEXT NOT NULL,
	client_fingerprint TEXT NOT NULL,
	client_ip          TEXT NOT NULL DEFAULT '',
	client_hostname    TEXT NOT NULL DEFAULT '',
	user_agent         TEXT NOT NULL DEFAULT '',
	started_at         INTEGER NOT NULL,
	last_activity      INTEGER NOT NULL,
	ended_at           INTEGER NOT NULL DEFAULT 0,
	bytes              INTEGER NOT NULL DEFAULT 0,
	current_bitrate    REAL NOT NULL DEFAULT 0,
	avg_bitrate        REAL NOT NULL DEFAULT 0,
	peak_bitrate       REAL NOT NULL DEFAULT 0,
	error_count        INTEGER NOT NULL DEFAULT 0,
	state              TEXT NOT NULL,
	end_reason         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_state_activity ON sessions(state, last_activity);
`,
	// 2: EPG
	`
CREATE TABLE IF NOT EXISTS epg_sources (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	url              TEXT NOT NULL,
	refresh_interval TEXT NOT NULL DEFAULT '4h',
	enabled          INTEGER NOT NULL DEFAULT 1,
	category         TEXT NOT NULL DEFAULT '',
	secondary_genres TEXT NOT NULL DEFAULT '[]',
	last_fetch_at    INTEGER NOT NULL DEFAULT 0,
	last_success_at  INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS epg_channels (
	epg_id       TEXT PRIMARY KEY,
	source_id    TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	icon         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_epg_channels_source ON epg_channels(source_id);

CREATE TABLE IF NOT EXISTS epg_programs (
	id          TEXT PRIMARY KEY,
	source_id   TEXT NOT NULL,
	channel_id  TEXT NOT NULL,
	title       TEXT NOT NULL,
	sub_title   TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	category    TEXT NOT NULL DEFAULT '',
	start_time  INTEGER NOT NULL,
	end_time    INTEGER NOT NULL CHECK (end_time > start_time),
	season      INTEGER,
	episode     INTEGER,
	icon        TEXT NOT NULL DEFAULT '',
	fetched_at  INTEGER NOT NULL,
	UNIQUE (channel_id, start_time)
);
CREATE INDEX IF NOT EXISTS idx_epg_programs_channel_time ON epg_programs(channel_id, start_time, end_time);
CREATE INDEX IF NOT EXISTS idx_epg_programs_end ON epg_programs(end_time);

CREATE TABLE IF NOT EXISTS epg_aliases (
	kind    TEXT NOT NULL,
	pattern TEXT NOT NULL,
	target  TEXT NOT NULL,
	PRIMARY KEY (kind, pattern)
);
`,
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: migration %d version: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		log.Printf("store: applied migration %d", i+1)
	}
	if version < len(migrations) {
		if err := seedSystemProfiles(db); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion reports the applied migration count.
func (s *Store) SchemaVersion() (int, error) {
	var v int
	err := s.db.QueryRow("PRAGMA user_version").Scan(&v)
	return v, err
}
