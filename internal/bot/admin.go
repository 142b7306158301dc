package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"InstaTG/internal/storage"
)

const defaultAdminBlock = 60 * time.Minute

func (b *Bot) adminOnly(next commandHandler) commandHandler {
	return func(ctx context.Context, req *request) error {
		if !b.cfg.IsAdmin(req.userID) {
			logAction("ADMIN", req.chatID, fmt.Sprintf("user %d denied /%s", req.userID, req.command))
			b.sendMessage(req.chatID, msgUnauthorized)
			return nil
		}
		return next(ctx, req)
	}
}

func (b *Bot) handleStats(ctx context.Context, req *request) error {
	users, err := b.Storage.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	stats, err := b.downloader.GlobalStats()
	if err != nil {
		return fmt.Errorf("download stats: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 Bot statistics\nUsers: %d\nFiles kept: %d (%s)\nUsers with files: %d",
		users, stats.TotalDownloads, formatBytes(stats.TotalSize), len(stats.Users))

	if len(stats.MediaTypes) > 0 {
		types := make([]string, 0, len(stats.MediaTypes))
		for t := range stats.MediaTypes {
			types = append(types, t)
		}
		sort.Strings(types)

		sb.WriteString("\n\nBy media type:")
		for _, t := range types {
			fmt.Fprintf(&sb, "\n  %s: %d", t, stats.MediaTypes[t])
		}
	}

	b.sendMessage(req.chatID, sb.String())
	return nil
}

func (b *Bot) handleBlock(ctx context.Context, req *request) error {
	if len(req.args) < 1 || len(req.args) > 2 {
		b.sendMessage(req.chatID, "Usage: /block <telegram_id> [minutes]")
		return nil
	}
	target, err := strconv.ParseInt(req.args[0], 10, 64)
	if err != nil {
		b.sendMessage(req.chatID, "Invalid user id.")
		return nil
	}

	duration := defaultAdminBlock
	if len(req.args) == 2 {
		minutes, err := strconv.Atoi(req.args[1])
		if err != nil || minutes < 1 {
			b.sendMessage(req.chatID, "Minutes must be a positive number.")
			return nil
		}
		duration = time.Duration(minutes) * time.Minute
	}

	until := b.clock.Now().Add(duration)
	if err := b.Storage.BlockUser(ctx, target, until); err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			b.sendMessage(req.chatID, fmt.Sprintf("User %d not found.", target))
			return nil
		}
		return fmt.Errorf("block user: %w", err)
	}

	logAction("ADMIN", req.chatID, fmt.Sprintf("blocked %d for %s", target, duration))
	b.sendMessage(req.chatID, fmt.Sprintf("🚫 User %d blocked until %s.", target, until.UTC().Format("2006-01-02 15:04 UTC")))
	return nil
}

func (b *Bot) handleUnblock(ctx context.Context, req *request) error {
	if len(req.args) != 1 {
		b.sendMessage(req.chatID, "Usage: /unblock <telegram_id>")
		return nil
	}
	target, err := strconv.ParseInt(req.args[0], 10, 64)
	if err != nil {
		b.sendMessage(req.chatID, "Invalid user id.")
		return nil
	}

	if err := b.Storage.UnblockUser(ctx, target); err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			b.sendMessage(req.chatID, fmt.Sprintf("User %d not found.", target))
			return nil
		}
		return fmt.Errorf("unblock user: %w", err)
	}
	b.limiter.Reset(target)

	logAction("ADMIN", req.chatID, fmt.Sprintf("unblocked %d", target))
	b.sendMessage(req.chatID, fmt.Sprintf("✅ User %d unblocked.", target))
	return nil
}

func (b *Bot) handleHealth(ctx context.Context, req *request) error {
	status := func(err error) string {
		if err != nil {
			return "❌ " + err.Error()
		}
		return "✅ ok"
	}

	b.sendMessage(req.chatID, fmt.Sprintf("🩺 Health\nDatabase: %s\nDownloads: %s",
		status(b.Storage.Ping(ctx)), status(b.downloader.HealthCheck())))
	return nil
}
