package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"InstaTG/internal/monitoring"
	"InstaTG/internal/storage"
)

// middleware inspects a request before it reaches its handler. Returning
// false stops the chain; the middleware has already replied.
type middleware func(ctx context.Context, req *request) (bool, error)

// commands reachable without a completed registration
var publicCommands = map[string]bool{
	"start":    true,
	"help":     true,
	"about":    true,
	"register": true,
	"cancel":   true,
}

// admin commands are gated by adminOnly instead of registration
var adminCommands = map[string]bool{
	"stats":   true,
	"block":   true,
	"unblock": true,
	"health":  true,
}

func (b *Bot) middlewares() []middleware {
	return []middleware{
		b.blockedMiddleware,
		b.registrationMiddleware,
		b.rateLimitMiddleware,
	}
}

func (b *Bot) runMiddlewares(ctx context.Context, req *request) (bool, error) {
	for _, mw := range b.middlewares() {
		ok, err := mw(ctx, req)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (b *Bot) blockedMiddleware(ctx context.Context, req *request) (bool, error) {
	blocked, until, err := b.Storage.IsUserBlocked(ctx, req.userID, b.clock.Now())
	if err != nil {
		return false, fmt.Errorf("check block: %w", err)
	}
	if !blocked {
		return true, nil
	}

	logAction("BLOCKED", req.chatID, fmt.Sprintf("user %d rejected until %s", req.userID, until.Format("15:04 MST")))
	b.sendMessage(req.chatID, fmt.Sprintf("🚫 Your account is temporarily blocked until %s.", until.UTC().Format("2006-01-02 15:04 UTC")))
	return false, nil
}

// registrationMiddleware loads the user and rejects unregistered users outside
// the public commands and flows. Expired login sessions are closed here.
func (b *Bot) registrationMiddleware(ctx context.Context, req *request) (bool, error) {
	user, err := b.Storage.GetUserByTelegramID(ctx, req.userID)
	if err != nil && !errors.Is(err, storage.ErrUserNotFound) {
		return false, fmt.Errorf("load user: %w", err)
	}
	req.user = user

	_, inFlow := b.getFlow(req.userID)
	if req.command != "" && !publicCommands[req.command] && !adminCommands[req.command] && (user == nil || !user.IsRegistered) {
		b.sendMessage(req.chatID, msgUnauthorized+"\n"+msgRegisterFirst)
		return false, nil
	}
	if req.command == "" && !inFlow && (user == nil || !user.IsRegistered) {
		b.sendMessage(req.chatID, msgUnauthorized+"\n"+msgRegisterFirst)
		return false, nil
	}

	if user != nil && user.IsAuthenticated {
		if _, err := b.security.ValidateSessionToken(user.SessionToken); err != nil {
			if err := b.Storage.ExpireSession(ctx, req.userID); err != nil {
				return false, fmt.Errorf("expire session: %w", err)
			}
			user.IsAuthenticated = false
			user.SessionToken = ""
			logAction("SESSION", req.chatID, "login session expired")
			b.sendMessage(req.chatID, "⌛ Your Instagram session has expired. Please /login again.")
		}
	}
	return true, nil
}

func (b *Bot) rateLimitMiddleware(_ context.Context, req *request) (bool, error) {
	if b.cfg.IsAdmin(req.userID) {
		return true, nil
	}

	ok, wait := b.limiter.Allow(req.userID)
	if ok {
		return true, nil
	}

	monitoring.RateLimitedTotal.Inc()
	logAction("RATE_LIMIT", req.chatID, fmt.Sprintf("retry in %s", wait.Round(time.Second)))
	b.sendMessage(req.chatID, msgRateLimited)
	return false, nil
}
