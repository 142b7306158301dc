package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

type DownloadRecord struct {
	MediaType    string    `json:"media_type"`
	MediaURL     string    `json:"media_url"`
	DownloadTime time.Time `json:"download_time"`
}

type UserExport struct {
	UserInfo struct {
		TelegramID        int64      `json:"telegram_id"`
		InstagramUsername string     `json:"instagram_username,omitempty"`
		IsAuthenticated   bool       `json:"is_authenticated"`
		LastLogin         *time.Time `json:"last_login"`
		DownloadCount     int        `json:"download_count"`
	} `json:"user_info"`
	DownloadHistory []DownloadRecord `json:"download_history"`
}

// LogDownload appends a history entry and bumps the user's download counter.
func (s *Storage) LogDownload(ctx context.Context, telegramID int64, mediaType, mediaURL string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := s.userID(ctx, tx, telegramID)
		if err != nil {
			return err
		}

		if _, err := s.exec(ctx, tx,
			"INSERT INTO download_history (user_id, media_type, media_url, download_time) VALUES (?, ?, ?, ?)",
			id, mediaType, mediaURL, s.now()); err != nil {
			return fmt.Errorf("insert download history: %w", err)
		}

		if _, err := s.exec(ctx, tx,
			"UPDATE users SET download_count = download_count + 1 WHERE id = ?", id); err != nil {
			return fmt.Errorf("increment download count: %w", err)
		}
		return nil
	})
}

// DownloadHistory returns the newest entries first; limit <= 0 returns everything.
func (s *Storage) DownloadHistory(ctx context.Context, telegramID int64, limit int) ([]DownloadRecord, error) {
	query := `
		SELECT h.media_type, h.media_url, h.download_time
		FROM download_history h JOIN users u ON u.id = h.user_id
		WHERE u.telegram_id = ?
		ORDER BY h.download_time DESC, h.id DESC`
	args := []any{telegramID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select download history: %w", err)
	}
	defer rows.Close()

	var history []DownloadRecord
	for rows.Next() {
		var r DownloadRecord
		if err := rows.Scan(&r.MediaType, &r.MediaURL, &r.DownloadTime); err != nil {
			return nil, err
		}
		history = append(history, r)
	}

	return history, rows.Err()
}

func (s *Storage) ResetDownloadHistory(ctx context.Context, telegramID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := s.userID(ctx, tx, telegramID)
		if err != nil {
			return err
		}

		result, err := s.exec(ctx, tx, "DELETE FROM download_history WHERE user_id = ?", id)
		if err != nil {
			return fmt.Errorf("delete download history: %w", err)
		}

		if _, err := s.exec(ctx, tx, "UPDATE users SET download_count = 0 WHERE id = ?", id); err != nil {
			return fmt.Errorf("reset download count: %w", err)
		}

		rowsAffected, _ := result.RowsAffected()
		log.Printf("removed %d history entries for user %d", rowsAffected, telegramID)
		return nil
	})
}

func (s *Storage) ExportUserData(ctx context.Context, telegramID int64) (*UserExport, error) {
	u, err := s.GetUserByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, err
	}

	history, err := s.DownloadHistory(ctx, telegramID, 0)
	if err != nil {
		return nil, err
	}

	export := &UserExport{DownloadHistory: history}
	if export.DownloadHistory == nil {
		export.DownloadHistory = []DownloadRecord{}
	}
	export.UserInfo.TelegramID = u.TelegramID
	export.UserInfo.InstagramUsername = u.InstagramUsername
	export.UserInfo.IsAuthenticated = u.IsAuthenticated
	export.UserInfo.DownloadCount = u.DownloadCount
	if !u.LastLogin.IsZero() {
		lastLogin := u.LastLogin
		export.UserInfo.LastLogin = &lastLogin
	}
	return export, nil
}
