package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"InstaTG/internal/monitoring"
	"InstaTG/internal/storage"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type commandHandler func(ctx context.Context, req *request) error

func (b *Bot) commands() map[string]commandHandler {
	return map[string]commandHandler{
		"start":             b.handleStart,
		"help":              b.handleHelp,
		"about":             b.handleAbout,
		"cancel":            b.handleCancel,
		"register":          b.handleRegister,
		"login":             b.handleLogin,
		"logout":            b.handleLogout,
		"reset_password":    b.handleResetPassword,
		"download_profile":  b.handleDownloadProfile,
		"get_posts":         b.handleGetPosts,
		"download_post":     b.handleDownloadPost,
		"download_reel":     b.handleDownloadReel,
		"download_story":    b.handleDownloadStory,
		"download_multiple": b.handleDownloadMultiple,
		"profile":           b.handleProfile,
		"settings":          b.handleSettings,
		"export_data":       b.handleExportData,
		"delete_account":    b.handleDeleteAccount,
		"reset_history":     b.handleResetHistory,
		"stats":             b.adminOnly(b.handleStats),
		"block":             b.adminOnly(b.handleBlock),
		"unblock":           b.adminOnly(b.handleUnblock),
		"health":            b.adminOnly(b.handleHealth),
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil {
		return
	}

	command, args := parseCommand(message)
	req := &request{
		msg:     message,
		chatID:  message.Chat.ID,
		userID:  message.From.ID,
		command: command,
		args:    args,
		text:    strings.TrimSpace(message.Text),
	}

	if flow, ok := b.getFlow(req.userID); ok && flow.sensitive() {
		b.getMessageQueue(req.chatID).Add(message.MessageID)
	}

	var handler commandHandler
	if command != "" {
		h, ok := b.commands()[command]
		if !ok {
			logAction("COMMAND", req.chatID, "unknown command /"+command)
			b.sendMessage(req.chatID, "Unknown command. Use /help to see what I can do.")
			return
		}
		handler = h
	}

	ok, err := b.runMiddlewares(ctx, req)
	if err != nil {
		b.fail(req, "middleware", err)
		return
	}
	if !ok {
		if command != "" {
			monitoring.CommandsTotal.WithLabelValues(command, "rejected").Inc()
		}
		return
	}

	if handler == nil {
		if err := b.handleFlowInput(ctx, req); err != nil {
			b.fail(req, "flow", err)
		}
		return
	}

	logAction("COMMAND", req.chatID, "/"+command)
	if err := handler(ctx, req); err != nil {
		monitoring.CommandsTotal.WithLabelValues(command, "error").Inc()
		b.fail(req, command, err)
		return
	}
	monitoring.CommandsTotal.WithLabelValues(command, "ok").Inc()
}

// fail logs an unexpected handler error and sends the generic reply.
func (b *Bot) fail(req *request, action string, err error) {
	monitoring.LogError(monitoring.LogEntry{UserID: req.userID, Action: action, Error: err})
	b.sendMessage(req.chatID, msgInternalError)
}

func (b *Bot) handleCallback(ctx context.Context, callback *tgbotapi.CallbackQuery) {
	if callback.Message == nil || callback.From == nil {
		return
	}
	chatID := callback.Message.Chat.ID
	logAction("CALLBACK", chatID, "data: "+callback.Data)

	if _, err := b.api.Request(tgbotapi.NewCallback(callback.ID, "")); err != nil {
		monitoring.LogWarn(monitoring.LogEntry{UserID: callback.From.ID, Action: "answer_callback", Error: err})
	}

	var text string
	switch callback.Data {
	case callbackRegisterYes:
		text = "yes"
	case callbackRegisterNo:
		text = "no"
	default:
		logAction("CALLBACK", chatID, "unknown callback data")
		return
	}

	req := &request{
		msg:    callback.Message,
		chatID: chatID,
		userID: callback.From.ID,
		text:   text,
	}

	ok, err := b.runMiddlewares(ctx, req)
	if err != nil {
		b.fail(req, "callback", err)
		return
	}
	if !ok {
		return
	}
	if err := b.handleFlowInput(ctx, req); err != nil {
		b.fail(req, "callback", err)
	}
}

// handleFlowInput routes free text to the user's active conversation.
func (b *Bot) handleFlowInput(ctx context.Context, req *request) error {
	flow, ok := b.getFlow(req.userID)
	if !ok {
		b.sendMessage(req.chatID, "I didn't understand that. Use /help to see available commands.")
		return nil
	}

	switch flow.kind {
	case flowRegister:
		return b.registrationFlow(ctx, req, flow)
	case flowLogin:
		return b.loginFlow(ctx, req, flow)
	case flowResetPassword:
		return b.resetPasswordFlow(ctx, req, flow)
	case flowSettings:
		return b.settingsFlow(ctx, req, flow)
	case flowDeleteAccount:
		return b.deleteAccountFlow(ctx, req, flow)
	}
	return fmt.Errorf("unknown flow %q", flow.kind)
}

// endFlow clears the user's conversation and purges its sensitive messages.
func (b *Bot) endFlow(req *request, flow *flowState) {
	b.clearFlow(req.userID)
	if flow.sensitive() {
		b.purgeSensitive(req.chatID)
	}
}

func (b *Bot) handleStart(ctx context.Context, req *request) error {
	from := req.msg.From
	if _, err := b.Storage.CreateUser(ctx, storage.TelegramProfile{
		ID:        from.ID,
		Username:  from.UserName,
		FirstName: from.FirstName,
		LastName:  from.LastName,
	}); err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	text := fmt.Sprintf(`👋 Welcome %s!

I'm an Instagram profile and media downloader bot. Please choose an option below:`, from.FirstName)
	b.sendWithKeyboard(req.chatID, text, createMainKeyboard())
	return nil
}

func (b *Bot) handleHelp(_ context.Context, req *request) error {
	text := `📌 Available commands:

/start - Start the bot
/register - Link your Instagram username
/login - Log in to Instagram
/logout - Remove stored Instagram credentials
/reset_password - Reset your stored Instagram password
/download_profile <username> - Download a profile picture
/get_posts <username> [limit] - List recent posts (1-10)
/download_post <url> - Download a post
/download_reel <url> - Download a reel
/download_story <username> - Download active stories
/download_multiple <username> <count> - Download recent posts (1-5)
/profile - Show your profile
/settings - Account settings
/export_data - Export your data
/delete_account - Delete your account
/reset_history - Clear your download history
/cancel - Abort the current action`

	if b.cfg.IsAdmin(req.userID) {
		text += `

🛠 Admin:
/stats - Download statistics
/block <id> [minutes] - Block a user
/unblock <id> - Unblock a user
/health - Service health`
	}
	b.sendMessage(req.chatID, text)
	return nil
}

func (b *Bot) handleAbout(_ context.Context, req *request) error {
	b.sendMessage(req.chatID, `🤖 InstaTG downloads Instagram profile pictures, posts, reels and stories straight into this chat.

Your Instagram credentials are stored encrypted and can be removed at any time with /logout or /delete_account.`)
	return nil
}

func (b *Bot) handleCancel(_ context.Context, req *request) error {
	flow, ok := b.getFlow(req.userID)
	if !ok {
		b.sendWithKeyboard(req.chatID, "Nothing to cancel.", createMainKeyboard())
		return nil
	}

	b.endFlow(req, flow)
	b.sendWithKeyboard(req.chatID, "❌ Cancelled.", createMainKeyboard())
	return nil
}

func (b *Bot) handleProfile(ctx context.Context, req *request) error {
	user := req.user
	from := req.msg.From

	var sb strings.Builder
	fmt.Fprintf(&sb, "👤 Telegram Profile:\nID: %d\nUsername: %s\nFirst Name: %s\nLast Name: %s\n\n",
		from.ID, orNA(from.UserName), from.FirstName, orNA(from.LastName))

	if user.InstagramUsername != "" {
		profile, err := b.instagram.GetProfile(ctx, user.InstagramUsername)
		if err != nil {
			monitoring.LogWarn(monitoring.LogEntry{UserID: req.userID, Action: "profile_metadata", Error: err})
			fmt.Fprintf(&sb, "📸 Instagram: @%s (details unavailable)\n", user.InstagramUsername)
		} else {
			fmt.Fprintf(&sb, "📸 Instagram Profile:\nUsername: @%s\nFull Name: %s\nFollowers: %d\nFollowing: %d\nPosts: %d\n",
				profile.Username, profile.FullName, profile.Followers, profile.Following, profile.PostsCount)
		}
	}

	lastLogin := "never"
	if !user.LastLogin.IsZero() {
		lastLogin = user.LastLogin.UTC().Format("2006-01-02 15:04 UTC")
	}
	status := "logged out"
	if user.IsAuthenticated {
		status = "logged in"
	}
	fmt.Fprintf(&sb, "\n📊 Bot Usage:\nDownload Count: %d\nLast Login: %s\nSession: %s", user.DownloadCount, lastLogin, status)

	if stats, err := b.downloader.Stats(req.userID); err == nil && stats.TotalDownloads > 0 {
		fmt.Fprintf(&sb, "\nFiles kept: %d (%s)", stats.TotalDownloads, formatBytes(stats.TotalSize))
	}

	b.sendMessage(req.chatID, sb.String())
	return nil
}

func (b *Bot) handleExportData(ctx context.Context, req *request) error {
	export, err := b.Storage.ExportUserData(ctx, req.userID)
	if err != nil {
		return fmt.Errorf("export user data: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal export: %w", err)
	}

	doc := tgbotapi.NewDocument(req.chatID, tgbotapi.FileBytes{
		Name:  fmt.Sprintf("user_data_export_%d.json", req.userID),
		Bytes: data,
	})
	if _, err := b.api.Send(doc); err != nil {
		return fmt.Errorf("send export: %w", err)
	}
	logAction("EXPORT", req.chatID, fmt.Sprintf("exported %d history entries", len(export.DownloadHistory)))
	return nil
}

func (b *Bot) handleDeleteAccount(_ context.Context, req *request) error {
	b.setFlow(req.userID, &flowState{kind: flowDeleteAccount, stage: stageConfirm})
	b.sendWithKeyboard(req.chatID, `⚠️ Account Deletion Warning

This action will permanently delete your account and all associated data. Are you sure you want to proceed?

Select an option below:`, createDeleteKeyboard())
	return nil
}

func (b *Bot) deleteAccountFlow(ctx context.Context, req *request, flow *flowState) error {
	if req.text != buttonConfirmDelete {
		b.sendWithKeyboard(req.chatID, "Please choose \""+buttonConfirmDelete+"\" or \""+buttonCancel+"\".", createDeleteKeyboard())
		return nil
	}

	b.endFlow(req, flow)
	if err := b.Storage.DeleteUserAccount(ctx, req.userID); err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			b.sendWithKeyboard(req.chatID, "Account deletion failed. Please contact support.", tgbotapi.NewRemoveKeyboard(true))
			return nil
		}
		return fmt.Errorf("delete account: %w", err)
	}
	b.limiter.Reset(req.userID)

	logAction("DELETE_ACCOUNT", req.chatID, "account deleted")
	b.sendWithKeyboard(req.chatID, "🗑️ Your account has been successfully deleted. We're sorry to see you go!", tgbotapi.NewRemoveKeyboard(true))
	return nil
}

func (b *Bot) handleResetHistory(ctx context.Context, req *request) error {
	if err := b.Storage.ResetDownloadHistory(ctx, req.userID); err != nil {
		return fmt.Errorf("reset history: %w", err)
	}
	b.sendMessage(req.chatID, "🔄 Your download history has been reset successfully.")
	return nil
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
