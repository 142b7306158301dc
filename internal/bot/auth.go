package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"InstaTG/internal/api"
	"InstaTG/internal/monitoring"
	"InstaTG/internal/storage"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	loginBlockDuration = 30 * time.Minute
	resetTokenTTL      = 15 * time.Minute
	resetTokenBytes    = 8
)

func (b *Bot) handleRegister(ctx context.Context, req *request) error {
	if req.user != nil && req.user.IsRegistered {
		b.sendMessage(req.chatID, "You are already registered!")
		return nil
	}

	if req.user == nil {
		from := req.msg.From
		if _, err := b.Storage.CreateUser(ctx, storage.TelegramProfile{
			ID:        from.ID,
			Username:  from.UserName,
			FirstName: from.FirstName,
			LastName:  from.LastName,
		}); err != nil {
			return fmt.Errorf("create user: %w", err)
		}
	}

	b.setFlow(req.userID, &flowState{kind: flowRegister, stage: stageUsername})
	b.sendMessage(req.chatID, "Please enter your Instagram username to register:")
	return nil
}

func (b *Bot) registrationFlow(ctx context.Context, req *request, flow *flowState) error {
	switch flow.stage {
	case stageUsername:
		username := strings.TrimPrefix(req.text, "@")
		if !api.ValidateUsername(username) {
			b.sendMessage(req.chatID, msgInvalidUsername+" Please try again:")
			return nil
		}

		exists, err := b.instagram.ProfileExists(ctx, username)
		if err != nil {
			monitoring.LogWarn(monitoring.LogEntry{UserID: req.userID, Action: "register_profile_check", Error: err})
			b.sendMessage(req.chatID, "Could not verify this profile right now. Please try again later.")
			return nil
		}
		if !exists {
			b.sendMessage(req.chatID, "This Instagram profile does not exist. Please check and try again:")
			return nil
		}

		flow.stage = stageConfirm
		flow.username = username
		b.sendWithKeyboard(req.chatID, fmt.Sprintf("Confirm Instagram username: %s? (Yes/No)", username), createConfirmKeyboard())

	case stageConfirm:
		b.clearFlow(req.userID)
		if !strings.EqualFold(req.text, "yes") {
			b.sendMessage(req.chatID, "Registration cancelled. Please start again.")
			return nil
		}

		if err := b.Storage.CompleteRegistration(ctx, req.userID, flow.username); err != nil {
			return fmt.Errorf("complete registration: %w", err)
		}
		logAction("REGISTER", req.chatID, "registered @"+flow.username)
		b.sendWithKeyboard(req.chatID, "🎉 Registration successful! You can now use the bot's Instagram features.", createMainKeyboard())
	}
	return nil
}

func (b *Bot) handleLogin(_ context.Context, req *request) error {
	b.setFlow(req.userID, &flowState{kind: flowLogin, stage: stageUsername})
	b.getMessageQueue(req.chatID).Add(req.msg.MessageID)
	b.sendSensitive(req.chatID, "Enter your Instagram username:")
	return nil
}

func (b *Bot) loginFlow(ctx context.Context, req *request, flow *flowState) error {
	switch flow.stage {
	case stageUsername:
		username := strings.TrimPrefix(req.text, "@")
		if !api.ValidateUsername(username) {
			b.sendSensitive(req.chatID, "Invalid username. Please try again:")
			return nil
		}
		flow.username = username
		flow.stage = stagePassword
		b.sendSensitive(req.chatID, "Enter your Instagram password:")

	case stagePassword:
		b.deleteMessage(req.chatID, req.msg.MessageID)

		err := b.instagram.CheckCredentials(ctx, flow.username, req.text)
		if errors.Is(err, api.ErrLoginFailed) {
			return b.loginFailed(ctx, req, flow)
		}
		if err != nil {
			monitoring.LogError(monitoring.LogEntry{UserID: req.userID, Action: "instagram_login", Error: err})
			b.sendSensitive(req.chatID, "Login process failed. Please try again:")
			return nil
		}

		encUser, err := b.security.Encrypt(flow.username)
		if err != nil {
			return err
		}
		encPass, err := b.security.Encrypt(req.text)
		if err != nil {
			return err
		}
		session, err := b.security.GenerateSessionToken(req.userID, b.cfg.JWTExpiration)
		if err != nil {
			return err
		}
		if err := b.Storage.UpdateInstagramCredentials(ctx, req.userID, flow.username, encUser, encPass, session); err != nil {
			return fmt.Errorf("store credentials: %w", err)
		}

		b.endFlow(req, flow)
		logAction("LOGIN", req.chatID, "logged in as @"+flow.username)
		b.sendMessage(req.chatID, "🎉 Login successful! You can now use Instagram features.")
	}
	return nil
}

func (b *Bot) loginFailed(ctx context.Context, req *request, flow *flowState) error {
	flow.attempts++
	logAction("LOGIN", req.chatID, fmt.Sprintf("failed attempt %d/%d", flow.attempts, maxLoginAttempts))

	if flow.attempts < maxLoginAttempts {
		b.sendSensitive(req.chatID, fmt.Sprintf("Login failed. Attempt %d/%d. Please try again:", flow.attempts, maxLoginAttempts))
		return nil
	}

	b.endFlow(req, flow)
	if err := b.Storage.BlockUser(ctx, req.userID, b.clock.Now().Add(loginBlockDuration)); err != nil {
		return fmt.Errorf("block user: %w", err)
	}
	monitoring.LogWarn(monitoring.LogEntry{UserID: req.userID, Action: "login_blocked", ExtraData: map[string]interface{}{"attempts": flow.attempts}})
	b.sendMessage(req.chatID, "🚫 Too many failed login attempts. Your account has been temporarily blocked.")
	return nil
}

func (b *Bot) handleLogout(ctx context.Context, req *request) error {
	if err := b.Storage.RemoveInstagramCredentials(ctx, req.userID); err != nil {
		return fmt.Errorf("remove credentials: %w", err)
	}
	logAction("LOGOUT", req.chatID, "credentials removed")
	b.sendMessage(req.chatID, "🔓 You have been logged out successfully. Your Instagram credentials have been removed.")
	return nil
}

func (b *Bot) handleResetPassword(ctx context.Context, req *request) error {
	token, err := b.security.GenerateSecureToken(resetTokenBytes)
	if err != nil {
		return err
	}
	hashed, err := b.security.HashSecret(token)
	if err != nil {
		return err
	}
	if err := b.Storage.SaveResetToken(ctx, req.userID, hashed, b.clock.Now().Add(resetTokenTTL)); err != nil {
		return fmt.Errorf("save reset token: %w", err)
	}

	b.setFlow(req.userID, &flowState{kind: flowResetPassword, stage: stageToken})
	if id := b.sendMarkdown(req.chatID, fmt.Sprintf("🔐 Password Reset\n\nTo reset your password, use the following token: `%s`\nThis token will expire in 15 minutes.", token)); id != 0 {
		b.getMessageQueue(req.chatID).Add(id)
	}
	return nil
}

func (b *Bot) resetPasswordFlow(ctx context.Context, req *request, flow *flowState) error {
	switch flow.stage {
	case stageToken:
		stored, err := b.Storage.GetResetToken(ctx, req.userID)
		if err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
			return fmt.Errorf("load reset token: %w", err)
		}

		valid := err == nil && b.clock.Now().Before(stored.ExpiresAt) && b.security.VerifySecret(req.text, stored.TokenHash)
		if !valid {
			flow.attempts++
			if flow.attempts >= maxLoginAttempts || (stored != nil && !b.clock.Now().Before(stored.ExpiresAt)) {
				b.endFlow(req, flow)
				b.sendMessage(req.chatID, "Invalid or expired reset token. Use /reset_password to request a new one.")
				return nil
			}
			b.sendSensitive(req.chatID, "Invalid or expired reset token. Please try again.")
			return nil
		}

		if err := b.Storage.DeleteResetToken(ctx, req.userID); err != nil {
			return fmt.Errorf("delete reset token: %w", err)
		}
		flow.stage = stageNewPassword
		b.sendSensitive(req.chatID, "Enter your new Instagram password:")

	case stageNewPassword:
		b.deleteMessage(req.chatID, req.msg.MessageID)
		done, err := b.storeNewPassword(ctx, req)
		if err != nil || !done {
			return err
		}
		b.endFlow(req, flow)
		b.sendMessage(req.chatID, "🎉 Password reset successful! You can now login with your new password.")
	}
	return nil
}

func (b *Bot) handleSettings(_ context.Context, req *request) error {
	b.setFlow(req.userID, &flowState{kind: flowSettings, stage: stageMenu})
	b.sendWithKeyboard(req.chatID, "⚙️ User Settings\nSelect an option:", createSettingsKeyboard())
	return nil
}

func (b *Bot) settingsFlow(ctx context.Context, req *request, flow *flowState) error {
	switch flow.stage {
	case stageMenu:
		if req.text != buttonChangePassword {
			b.sendWithKeyboard(req.chatID, "Please choose an option from the menu.", createSettingsKeyboard())
			return nil
		}
		if _, err := b.Storage.GetCredential(ctx, req.userID); errors.Is(err, storage.ErrCredentialNotFound) {
			b.endFlow(req, flow)
			b.sendWithKeyboard(req.chatID, "No Instagram credentials stored. Please /login first.", createMainKeyboard())
			return nil
		} else if err != nil {
			return fmt.Errorf("load credential: %w", err)
		}
		flow.stage = stageCurrentPassword
		b.sendSensitive(req.chatID, "Enter your current Instagram password:")

	case stageCurrentPassword:
		b.deleteMessage(req.chatID, req.msg.MessageID)
		cred, err := b.Storage.GetCredential(ctx, req.userID)
		if err != nil {
			return fmt.Errorf("load credential: %w", err)
		}
		current, err := b.security.Decrypt(cred.EncryptedPassword)
		if err != nil {
			return fmt.Errorf("decrypt credential: %w", err)
		}
		if current != req.text {
			flow.attempts++
			if flow.attempts >= maxLoginAttempts {
				b.endFlow(req, flow)
				b.sendWithKeyboard(req.chatID, "Incorrect password. Settings closed.", createMainKeyboard())
				return nil
			}
			b.sendSensitive(req.chatID, "Incorrect password. Please try again.")
			return nil
		}
		flow.stage = stageNewPassword
		b.sendSensitive(req.chatID, "Enter new Instagram password:")

	case stageNewPassword:
		b.deleteMessage(req.chatID, req.msg.MessageID)
		done, err := b.storeNewPassword(ctx, req)
		if err != nil || !done {
			return err
		}
		b.endFlow(req, flow)
		b.sendWithKeyboard(req.chatID, "🎉 Password updated successfully!", createMainKeyboard())
	}
	return nil
}

// storeNewPassword validates and saves req.text as the user's Instagram
// password. It reports false when the user has to try again.
func (b *Bot) storeNewPassword(ctx context.Context, req *request) (bool, error) {
	if len(req.text) < minPasswordLength {
		b.sendSensitive(req.chatID, fmt.Sprintf("Password must be at least %d characters long.", minPasswordLength))
		return false, nil
	}

	enc, err := b.security.Encrypt(req.text)
	if err != nil {
		return false, err
	}
	err = b.Storage.UpdateInstagramPassword(ctx, req.userID, enc)
	if errors.Is(err, storage.ErrCredentialNotFound) {
		b.clearFlow(req.userID)
		b.purgeSensitive(req.chatID)
		b.sendMessage(req.chatID, "No Instagram credentials stored. Please /login first.")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update password: %w", err)
	}
	logAction("PASSWORD", req.chatID, "stored password updated")
	return true, nil
}

func (b *Bot) deleteMessage(chatID int64, messageID int) {
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		monitoring.LogWarn(monitoring.LogEntry{Action: "delete_message", Error: err})
	}
}
