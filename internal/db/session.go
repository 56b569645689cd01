package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/4xmen/chatsync/internal/models"
)

// SessionStore keeps the single persisted session record.
type SessionStore struct {
	db *DB
}

func (db *DB) Sessions() *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Save(ctx context.Context, rec models.SessionRecord) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO session_record (id, token, user_id, expiry_date, saved_at)
		VALUES (1, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			user_id = excluded.user_id,
			expiry_date = excluded.expiry_date,
			saved_at = CURRENT_TIMESTAMP
	`, rec.Token, rec.UserID, rec.ExpiryDate)
	if err != nil {
		return fmt.Errorf("failed to save session record: %w", err)
	}
	return nil
}

// Load returns the persisted record; ok is false when none is stored.
func (s *SessionStore) Load(ctx context.Context) (models.SessionRecord, bool, error) {
	var rec models.SessionRecord
	err := s.db.conn.QueryRowContext(ctx, `SELECT token, user_id, expiry_date FROM session_record WHERE id = 1`).
		Scan(&rec.Token, &rec.UserID, &rec.ExpiryDate)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SessionRecord{}, false, nil
	}
	if err != nil {
		return models.SessionRecord{}, false, fmt.Errorf("failed to load session record: %w", err)
	}
	return rec, true, nil
}

func (s *SessionStore) Clear(ctx context.Context) error {
	if _, err := s.db.conn.ExecContext(ctx, `DELETE FROM session_record`); err != nil {
		return fmt.Errorf("failed to clear session record: %w", err)
	}
	return nil
}
