// Package preferences persists settings changed at runtime, such as the
// queue defaults, so they survive a restart.
package preferences

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/transferd/transferd/internal/manager"
)

const (
	keyThrottle        = "throttle"
	keyAllowMobileData = "allow_mobile_data"
)

// Service reads and writes the settings table.
type Service struct {
	db *sql.DB
}

// NewService creates a service on an already migrated connection.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// LoadDefaults returns the saved defaults of kind layered over base. ok is
// false when nothing was saved.
func (s *Service) LoadDefaults(ctx context.Context, kind manager.Kind, base manager.Defaults) (d manager.Defaults, ok bool, err error) {
	d = base

	if val, found, err := s.getString(ctx, settingKey(kind, keyThrottle)); err != nil {
		return base, false, err
	} else if found {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil || n < 0 {
			return base, false, fmt.Errorf("invalid saved throttle %q", val)
		}
		d.Throttle = n
		ok = true
	}

	if val, found, err := s.getString(ctx, settingKey(kind, keyAllowMobileData)); err != nil {
		return base, false, err
	} else if found {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return base, false, fmt.Errorf("invalid saved mobile data flag %q", val)
		}
		d.AllowMobileData = b
		ok = true
	}
	return d, ok, nil
}

// SaveDefaults stores the defaults of kind.
func (s *Service) SaveDefaults(ctx context.Context, kind manager.Kind, d manager.Defaults) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := setString(ctx, tx, settingKey(kind, keyThrottle), strconv.FormatInt(d.Throttle, 10)); err != nil {
		return err
	}
	if err := setString(ctx, tx, settingKey(kind, keyAllowMobileData), strconv.FormatBool(d.AllowMobileData)); err != nil {
		return err
	}
	return tx.Commit()
}

func settingKey(kind manager.Kind, name string) string {
	return string(kind) + "." + name
}

func (s *Service) getString(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

func setString(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}
