package store

import (
	"context"
	"database/sql"
	"errors"
)

// GetSetting returns the value stored for key.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

// SetSetting stores value under key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	return s.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return err
	})
}

// SettingOrInit returns the stored value for key, storing and returning
// init() when absent.
func (s *Store) SettingOrInit(ctx context.Context, key string, init func() string) (string, error) {
	v, err := s.GetSetting(ctx, key)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	v = init()
	if err := s.SetSetting(ctx, key, v); err != nil {
		return "", err
	}
	return v, nil
}
