package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type ResetToken struct {
	TokenHash string
	ExpiresAt time.Time
}

// SaveResetToken replaces any outstanding reset token for the user.
func (s *Storage) SaveResetToken(ctx context.Context, telegramID int64, tokenHash string, expiresAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := s.userID(ctx, tx, telegramID)
		if err != nil {
			return err
		}

		_, err = s.exec(ctx, tx, `
			INSERT INTO reset_tokens (user_id, token_hash, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET token_hash = excluded.token_hash, expires_at = excluded.expires_at`,
			id, tokenHash, expiresAt.UTC())
		if err != nil {
			return fmt.Errorf("save reset token: %w", err)
		}
		return nil
	})
}

func (s *Storage) GetResetToken(ctx context.Context, telegramID int64) (*ResetToken, error) {
	var t ResetToken
	err := s.queryRow(ctx, s.db, `
		SELECT r.token_hash, r.expires_at
		FROM reset_tokens r JOIN users u ON u.id = r.user_id
		WHERE u.telegram_id = ?`, telegramID).Scan(&t.TokenHash, &t.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select reset token: %w", err)
	}
	return &t, nil
}

func (s *Storage) DeleteResetToken(ctx context.Context, telegramID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := s.userID(ctx, tx, telegramID)
		if err != nil {
			return err
		}
		_, err = s.exec(ctx, tx, "DELETE FROM reset_tokens WHERE user_id = ?", id)
		return err
	})
}
