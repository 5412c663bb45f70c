package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	metaMaxAttempts = "max_attempts"
	metaBaseDelay   = "base_delay_ms"
	metaMaxDelay    = "max_delay_ms"
)

// Settings is the persisted retry policy.
type Settings struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// LoadSettings returns the stored retry policy. ok is false when nothing
// has been saved yet.
func (s *Store) LoadSettings(ctx context.Context) (Settings, bool, error) {
	values := map[string]int64{}
	for _, key := range []string{metaMaxAttempts, metaBaseDelay, metaMaxDelay} {
		var raw string
		err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return Settings{}, false, nil
		}
		if err != nil {
			return Settings{}, false, fault("load settings", err)
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Settings{}, false, fault("load settings", fmt.Errorf("meta %s: %w", key, err))
		}
		values[key] = n
	}
	return Settings{
		MaxAttempts: int(values[metaMaxAttempts]),
		BaseDelay:   time.Duration(values[metaBaseDelay]) * time.Millisecond,
		MaxDelay:    time.Duration(values[metaMaxDelay]) * time.Millisecond,
	}, true, nil
}

// SaveSettings persists the retry policy.
func (s *Store) SaveSettings(ctx context.Context, st Settings) error {
	return s.Update(ctx, func(tx *Tx) error {
		entries := map[string]int64{
			metaMaxAttempts: int64(st.MaxAttempts),
			metaBaseDelay:   st.BaseDelay.Milliseconds(),
			metaMaxDelay:    st.MaxDelay.Milliseconds(),
		}
		for key, v := range entries {
			if _, err := tx.q.ExecContext(ctx, `
				INSERT INTO meta (key, value) VALUES (?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value
			`, key, strconv.FormatInt(v, 10)); err != nil {
				return fault("save settings", err)
			}
		}
		return nil
	})
}
