package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// InputPlaceholder is replaced by the resolved upstream URL in worker templates.
const InputPlaceholder = "{input}"

// System profile ids. The escalation ladder walks ProfileH264Recovery,
// ProfileEmergencySafe, ProfileUltraMinimal in that order.
const (
	ProfileDefault        = "default"
	ProfileH264Recovery   = "h264-recovery"
	ProfileEmergencySafe  = "emergency-safe"
	ProfileUltraMinimal   = "ultra-minimal"
	ProfileAntiLoop       = "anti-loop"
	inputFlags            = "-hide_banner -loglevel warning -nostdin -fflags +genpts+discardcorrupt"
	outputFlags           = "-f mpegts -mpegts_flags +resend_headers -muxdelay 0 -muxpreload 0 pipe:1"
	copyArgs              = inputFlags + " -i {input} -map 0:v:0? -map 0:a:0? -c copy " + outputFlags
	recoveryInput         = "-hide_banner -loglevel warning -nostdin -err_detect ignore_err -fflags +genpts+discardcorrupt+igndts"
	antiLoopCopyArgs      = "-hide_banner -loglevel warning -nostdin -fflags +genpts+igndts -i {input} -map 0:v:0? -map 0:a:0? -c copy -avoid_negative_ts make_zero " + outputFlags
	antiLoopTranscodeArgs = "-hide_banner -loglevel warning -nostdin -fflags +genpts+igndts -i {input} -map 0:v:0? -map 0:a:0? " +
		"-c:v libx264 -preset veryfast -tune zerolatency -pix_fmt yuv420p -g 60 -b:v 3M -maxrate 4M -bufsize 6M " +
		"-c:a aac -b:a 128k -ac 2 -avoid_negative_ts make_zero " + outputFlags
)

func x264(input, profile, level, bitrate, maxrate, bufsize, extra, audio string) string {
	return input + " -i {input} -map 0:v:0? -map 0:a:0? -c:v libx264 -preset veryfast -tune zerolatency" +
		" -profile:v " + profile + " -level " + level + " -pix_fmt yuv420p -g 60 -keyint_min 60 -sc_threshold 0" +
		" -b:v " + bitrate + " -maxrate " + maxrate + " -bufsize " + bufsize + extra +
		" -c:a aac " + audio + " " + outputFlags
}

func defaultClients() map[ClientKind]ClientTemplate {
	stereo := "-b:a 128k -ac 2 -ar 48000"
	return map[ClientKind]ClientTemplate{
		ClientWeb:           {ArgsTemplate: x264(inputFlags, "high", "4.1", "4M", "5M", "8M", "", stereo), CopyArgsTemplate: copyArgs},
		ClientAndroidMobile: {ArgsTemplate: x264(inputFlags, "main", "4.0", "2500k", "3M", "5M", " -vf scale=-2:'min(720,ih)'", stereo), CopyArgsTemplate: copyArgs},
		ClientAndroidTV:     {ArgsTemplate: x264(inputFlags, "high", "4.1", "5M", "6M", "10M", "", stereo), CopyArgsTemplate: copyArgs},
		ClientIOSMobile:     {ArgsTemplate: x264(inputFlags, "main", "4.0", "3M", "3500k", "6M", " -vf scale=-2:'min(720,ih)'", stereo), CopyArgsTemplate: copyArgs},
		ClientAppleTV:       {ArgsTemplate: x264(inputFlags, "high", "4.2", "6M", "8M", "12M", "", stereo), CopyArgsTemplate: copyArgs},
	}
}

func uniformClients(args string) map[ClientKind]ClientTemplate {
	m := make(map[ClientKind]ClientTemplate, len(ClientKinds))
	for _, k := range ClientKinds {
		m[k] = ClientTemplate{ArgsTemplate: args, CopyArgsTemplate: args}
	}
	return m
}

// SystemProfiles returns the built-in profiles seeded on first migration.
func SystemProfiles() []TranscodeProfile {
	antiLoop := make(map[ClientKind]ClientTemplate, len(ClientKinds))
	for _, k := range ClientKinds {
		antiLoop[k] = ClientTemplate{ArgsTemplate: antiLoopTranscodeArgs, CopyArgsTemplate: antiLoopCopyArgs}
	}
	return []TranscodeProfile{
		{ID: ProfileDefault, Name: "Default", IsDefault: true, IsSystem: true, Clients: defaultClients()},
		{ID: ProfileH264Recovery, Name: "H.264 Recovery", IsSystem: true,
			Clients: uniformClients(x264(recoveryInput, "main", "4.0", "3M", "4M", "6M", "", "-b:a 128k -ac 2 -ar 48000"))},
		{ID: ProfileEmergencySafe, Name: "Emergency Safe", IsSystem: true,
			Clients: uniformClients(x264(recoveryInput, "baseline", "3.1", "1500k", "2M", "3M", " -r 30 -vf scale=-2:'min(720,ih)'", "-b:a 96k -ac 2 -ar 48000"))},
		{ID: ProfileUltraMinimal, Name: "Ultra Minimal", IsSystem: true,
			Clients: uniformClients(x264(recoveryInput, "baseline", "3.0", "700k", "900k", "1400k", " -r 25 -vf scale=-2:'min(480,ih)'", "-b:a 64k -ac 1 -ar 44100"))},
		{ID: ProfileAntiLoop, Name: "Anti-Loop", IsSystem: true, Clients: antiLoop},
	}
}

func seedSystemProfiles(db *sql.DB) error {
	var hasDefault int
	if err := db.QueryRow(`SELECT COUNT(*) FROM transcode_profiles WHERE is_default = 1`).Scan(&hasDefault); err != nil {
		return fmt.Errorf("store: seed profiles: %w", err)
	}
	for _, p := range SystemProfiles() {
		clients, err := json.Marshal(p.Clients)
		if err != nil {
			return err
		}
		isDefault := p.IsDefault && hasDefault == 0
		if _, err := db.Exec(`INSERT INTO transcode_profiles (id, name, is_default, is_system, clients)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT(id) DO UPDATE SET clients = excluded.clients, is_system = 1`,
			p.ID, p.Name, boolInt(isDefault), string(clients)); err != nil {
			return fmt.Errorf("store: seed profile %s: %w", p.ID, err)
		}
	}
	return nil
}

const profileCols = `id, name, is_default, is_system, clients`

func scanProfile(sc interface{ Scan(...any) error }) (TranscodeProfile, error) {
	var p TranscodeProfile
	var isDefault, isSystem int
	var clients string
	if err := sc.Scan(&p.ID, &p.Name, &isDefault, &isSystem, &clients); err != nil {
		return p, err
	}
	p.IsDefault = isDefault == 1
	p.IsSystem = isSystem == 1
	p.Clients = map[ClientKind]ClientTemplate{}
	if clients != "" {
		if err := json.Unmarshal([]byte(clients), &p.Clients); err != nil {
			return p, fmt.Errorf("store: profile %s clients: %w", p.ID, err)
		}
	}
	return p, nil
}

// GetProfile returns the profile with id.
func (s *Store) GetProfile(ctx context.Context, id string) (TranscodeProfile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileCols+` FROM transcode_profiles WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

// DefaultProfile returns the profile flagged is_default.
func (s *Store) DefaultProfile(ctx context.Context) (TranscodeProfile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileCols+` FROM transcode_profiles WHERE is_default = 1 LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

// ListProfiles returns all profiles, system ones first.
func (s *Store) ListProfiles(ctx context.Context) ([]TranscodeProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileCols+` FROM transcode_profiles ORDER BY is_system DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TranscodeProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveProfile inserts or updates a user profile. System profiles cannot be
// modified except for taking the default flag. Setting IsDefault clears it on
// every other profile so exactly one default remains.
func (s *Store) SaveProfile(ctx context.Context, p TranscodeProfile) (TranscodeProfile, error) {
	if strings.TrimSpace(p.Name) == "" {
		return p, fmt.Errorf("%w: profile name required", ErrConflict)
	}
	for k, tmpl := range p.Clients {
		if !strings.Contains(tmpl.ArgsTemplate, InputPlaceholder) || !strings.Contains(tmpl.CopyArgsTemplate, InputPlaceholder) {
			return p, fmt.Errorf("%w: profile %q client %s template lacks %s", ErrConflict, p.Name, k, InputPlaceholder)
		}
	}
	if p.ID == "" {
		p.ID = NewID()
	}
	clients, err := json.Marshal(p.Clients)
	if err != nil {
		return p, err
	}
	err = s.Write(ctx, func(tx *sql.Tx) error {
		var isSystem int
		err := tx.QueryRowContext(ctx, `SELECT is_system FROM transcode_profiles WHERE id = ?`, p.ID).Scan(&isSystem)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case isSystem == 1:
			return ErrSystemProfile
		}
		if p.IsDefault {
			if _, err := tx.ExecContext(ctx, `UPDATE transcode_profiles SET is_default = 0 WHERE id <> ?`, p.ID); err != nil {
				return err
			}
		} else {
			var others int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcode_profiles WHERE is_default = 1 AND id <> ?`, p.ID).Scan(&others); err != nil {
				return err
			}
			if others == 0 {
				return fmt.Errorf("%w: exactly one default profile required", ErrConflict)
			}
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO transcode_profiles (id, name, is_default, is_system, clients)
			VALUES (?, ?, ?, 0, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, is_default = excluded.is_default, clients = excluded.clients`,
			p.ID, p.Name, boolInt(p.IsDefault), string(clients))
		return err
	})
	return p, err
}

// SetDefaultProfile moves the default flag to id (system profiles allowed).
func (s *Store) SetDefaultProfile(ctx context.Context, id string) error {
	return s.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE transcode_profiles SET is_default = 1 WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `UPDATE transcode_profiles SET is_default = 0 WHERE id <> ?`, id)
		return err
	})
}

// DeleteProfile removes a user profile that no stream references.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	return s.Write(ctx, func(tx *sql.Tx) error {
		var isSystem, isDefault int
		err := tx.QueryRowContext(ctx, `SELECT is_system, is_default FROM transcode_profiles WHERE id = ?`, id).Scan(&isSystem, &isDefault)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if isSystem == 1 {
			return ErrSystemProfile
		}
		if isDefault == 1 {
			return fmt.Errorf("%w: cannot delete the default profile", ErrConflict)
		}
		var refs int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM streams WHERE profile_id = ?`, id).Scan(&refs); err != nil {
			return err
		}
		if refs > 0 {
			return ErrProfileInUse
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM transcode_profiles WHERE id = ?`, id)
		return err
	})
}
