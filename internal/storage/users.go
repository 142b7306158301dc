package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

type User struct {
	ID                int64
	TelegramID        int64
	TelegramUsername  string
	FirstName         string
	LastName          string
	InstagramUsername string
	IsRegistered      bool
	IsAuthenticated   bool
	SessionToken      string
	IsBlocked         bool
	BlockUntil        time.Time
	LastLogin         time.Time
	DownloadCount     int
	CreatedAt         time.Time
}

// TelegramProfile is the identity Telegram reports for a user.
type TelegramProfile struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

type Credential struct {
	UserID            int64
	EncryptedUsername string
	EncryptedPassword string
	IsActive          bool
	CreatedAt         time.Time
}

const userColumns = `id, telegram_id, telegram_username, first_name, last_name, instagram_username,
	is_registered, is_authenticated, session_token, is_blocked, block_until, last_login,
	download_count, created_at`

// CreateUser inserts the user unless it already exists and returns the stored row.
func (s *Storage) CreateUser(ctx context.Context, p TelegramProfile) (*User, error) {
	res, err := s.exec(ctx, s.db, `
		INSERT INTO users (telegram_id, telegram_username, first_name, last_name, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(telegram_id) DO NOTHING`,
		p.ID, p.Username, p.FirstName, p.LastName, s.now())
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("user created: %d", p.ID)
	}

	return s.GetUserByTelegramID(ctx, p.ID)
}

func (s *Storage) GetUserByTelegramID(ctx context.Context, telegramID int64) (*User, error) {
	row := s.queryRow(ctx, s.db, "SELECT "+userColumns+" FROM users WHERE telegram_id = ?", telegramID)

	var (
		u          User
		igUsername sql.NullString
		blockUntil sql.NullTime
		lastLogin  sql.NullTime
	)
	err := row.Scan(&u.ID, &u.TelegramID, &u.TelegramUsername, &u.FirstName, &u.LastName, &igUsername,
		&u.IsRegistered, &u.IsAuthenticated, &u.SessionToken, &u.IsBlocked, &blockUntil, &lastLogin,
		&u.DownloadCount, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}

	u.InstagramUsername = igUsername.String
	u.BlockUntil = nullTime(blockUntil)
	u.LastLogin = nullTime(lastLogin)
	return &u, nil
}

func (s *Storage) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.queryRow(ctx, s.db, "SELECT COUNT(*) FROM users").Scan(&n)
	return n, err
}

func (s *Storage) CompleteRegistration(ctx context.Context, telegramID int64, instagramUsername string) error {
	res, err := s.exec(ctx, s.db,
		"UPDATE users SET instagram_username = ?, is_registered = ? WHERE telegram_id = ?",
		instagramUsername, true, telegramID)
	if err != nil {
		return fmt.Errorf("complete registration: %w", err)
	}
	return checkAffected(res, ErrUserNotFound)
}

// UpdateInstagramCredentials marks the user as logged in and upserts the encrypted credential pair.
func (s *Storage) UpdateInstagramCredentials(ctx context.Context, telegramID int64, username, encUsername, encPassword, sessionToken string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := s.userID(ctx, tx, telegramID)
		if err != nil {
			return err
		}

		now := s.now()
		if _, err := s.exec(ctx, tx, `
			UPDATE users SET instagram_username = ?, is_authenticated = ?, session_token = ?, last_login = ?
			WHERE id = ?`,
			username, true, sessionToken, now, id); err != nil {
			return fmt.Errorf("update user login: %w", err)
		}

		if _, err := s.exec(ctx, tx, `
			INSERT INTO instagram_credentials (user_id, encrypted_username, encrypted_password, is_active, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				encrypted_username = excluded.encrypted_username,
				encrypted_password = excluded.encrypted_password,
				is_active = excluded.is_active`,
			id, encUsername, encPassword, true, now); err != nil {
			return fmt.Errorf("upsert credentials: %w", err)
		}

		log.Printf("instagram credentials updated for user %d", telegramID)
		return nil
	})
}

func (s *Storage) GetCredential(ctx context.Context, telegramID int64) (*Credential, error) {
	var c Credential
	err := s.queryRow(ctx, s.db, `
		SELECT c.user_id, c.encrypted_username, c.encrypted_password, c.is_active, c.created_at
		FROM instagram_credentials c JOIN users u ON u.id = c.user_id
		WHERE u.telegram_id = ?`, telegramID).
		Scan(&c.UserID, &c.EncryptedUsername, &c.EncryptedPassword, &c.IsActive, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select credentials: %w", err)
	}
	return &c, nil
}

func (s *Storage) UpdateInstagramPassword(ctx context.Context, telegramID int64, encPassword string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := s.userID(ctx, tx, telegramID)
		if err != nil {
			return err
		}

		res, err := s.exec(ctx, tx,
			"UPDATE instagram_credentials SET encrypted_password = ? WHERE user_id = ?", encPassword, id)
		if err != nil {
			return fmt.Errorf("update password: %w", err)
		}
		return checkAffected(res, ErrCredentialNotFound)
	})
}

// RemoveInstagramCredentials deletes stored credentials and ends the login session.
// The registered Instagram username is kept.
func (s *Storage) RemoveInstagramCredentials(ctx context.Context, telegramID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := s.userID(ctx, tx, telegramID)
		if err != nil {
			return err
		}

		if _, err := s.exec(ctx, tx, "DELETE FROM instagram_credentials WHERE user_id = ?", id); err != nil {
			return fmt.Errorf("delete credentials: %w", err)
		}
		if _, err := s.exec(ctx, tx,
			"UPDATE users SET is_authenticated = ?, session_token = '' WHERE id = ?", false, id); err != nil {
			return fmt.Errorf("reset auth state: %w", err)
		}
		return nil
	})
}

// ExpireSession drops the login session without touching stored credentials.
func (s *Storage) ExpireSession(ctx context.Context, telegramID int64) error {
	res, err := s.exec(ctx, s.db,
		"UPDATE users SET is_authenticated = ?, session_token = '' WHERE telegram_id = ?", false, telegramID)
	if err != nil {
		return fmt.Errorf("expire session: %w", err)
	}
	return checkAffected(res, ErrUserNotFound)
}

func (s *Storage) BlockUser(ctx context.Context, telegramID int64, until time.Time) error {
	res, err := s.exec(ctx, s.db,
		"UPDATE users SET is_blocked = ?, block_until = ? WHERE telegram_id = ?", true, until.UTC(), telegramID)
	if err != nil {
		return fmt.Errorf("block user: %w", err)
	}
	if err := checkAffected(res, ErrUserNotFound); err != nil {
		return err
	}
	log.Printf("user %d blocked until %s", telegramID, until.Format(time.RFC3339))
	return nil
}

func (s *Storage) UnblockUser(ctx context.Context, telegramID int64) error {
	res, err := s.exec(ctx, s.db,
		"UPDATE users SET is_blocked = ?, block_until = NULL WHERE telegram_id = ?", false, telegramID)
	if err != nil {
		return fmt.Errorf("unblock user: %w", err)
	}
	return checkAffected(res, ErrUserNotFound)
}

// IsUserBlocked reports whether the user is blocked at now, lifting expired blocks.
// Unknown users are not blocked.
func (s *Storage) IsUserBlocked(ctx context.Context, telegramID int64, now time.Time) (bool, time.Time, error) {
	var (
		blocked bool
		until   sql.NullTime
	)
	err := s.queryRow(ctx, s.db, "SELECT is_blocked, block_until FROM users WHERE telegram_id = ?", telegramID).
		Scan(&blocked, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("select block state: %w", err)
	}

	if !blocked {
		return false, time.Time{}, nil
	}

	if until.Valid && until.Time.Before(now) {
		if err := s.UnblockUser(ctx, telegramID); err != nil {
			return false, time.Time{}, err
		}
		return false, time.Time{}, nil
	}

	return true, nullTime(until), nil
}

// DeleteUserAccount removes the user and everything that references it.
func (s *Storage) DeleteUserAccount(ctx context.Context, telegramID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := s.userID(ctx, tx, telegramID)
		if err != nil {
			return err
		}

		for _, query := range []string{
			"DELETE FROM download_history WHERE user_id = ?",
			"DELETE FROM instagram_credentials WHERE user_id = ?",
			"DELETE FROM reset_tokens WHERE user_id = ?",
			"DELETE FROM users WHERE id = ?",
		} {
			if _, err := s.exec(ctx, tx, query, id); err != nil {
				return fmt.Errorf("delete account: %w", err)
			}
		}

		log.Printf("user account deleted: %d", telegramID)
		return nil
	})
}
