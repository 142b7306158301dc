package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"InstaTG/internal/api"
	"InstaTG/internal/download"
	"InstaTG/internal/monitoring"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const captionLimit = 1024

func (b *Bot) featureDisabled(req *request, enabled bool) bool {
	if enabled {
		return false
	}
	b.sendMessage(req.chatID, msgFeatureDisabled)
	return true
}

func (b *Bot) chatAction(chatID int64, action string) {
	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, action)); err != nil {
		monitoring.LogWarn(monitoring.LogEntry{Action: "chat_action", Error: err})
	}
}

// downloadFailed replies with the message matching a download error.
func (b *Bot) downloadFailed(req *request, action string, err error) {
	monitoring.LogError(monitoring.LogEntry{UserID: req.userID, Action: action, Error: err})
	if errors.Is(err, download.ErrTooLarge) {
		b.sendMessage(req.chatID, msgFileTooLarge)
		return
	}
	b.sendMessage(req.chatID, msgDownloadFailed)
}

func (b *Bot) handleDownloadProfile(ctx context.Context, req *request) error {
	if b.featureDisabled(req, b.cfg.Features.ProfileDownload) {
		return nil
	}
	if len(req.args) != 1 {
		b.sendMessage(req.chatID, "Usage: /download_profile <instagram_username>")
		return nil
	}

	username := strings.TrimPrefix(req.args[0], "@")
	if !api.ValidateUsername(username) {
		b.sendMessage(req.chatID, msgInvalidUsername)
		return nil
	}

	profile, err := b.instagram.GetProfile(ctx, username)
	if errors.Is(err, api.ErrProfileNotFound) {
		b.sendMessage(req.chatID, fmt.Sprintf("Instagram profile '%s' not found.", username))
		return nil
	}
	if err != nil {
		b.downloadFailed(req, "download_profile", err)
		return nil
	}

	b.chatAction(req.chatID, tgbotapi.ChatUploadPhoto)

	path, err := b.downloader.Download(ctx, profile.ProfilePicURL, req.userID, "profile_picture", "profile_picture_"+username+".jpg")
	if err != nil {
		b.downloadFailed(req, "download_profile", err)
		return nil
	}
	defer b.removeFile(path)

	photo := tgbotapi.NewPhoto(req.chatID, tgbotapi.FilePath(path))
	photo.Caption = "Profile picture for @" + username
	if _, err := b.api.Send(photo); err != nil {
		return fmt.Errorf("send profile picture: %w", err)
	}
	logAction("DOWNLOAD", req.chatID, "profile picture of @"+username)
	return nil
}

func (b *Bot) handleGetPosts(ctx context.Context, req *request) error {
	if len(req.args) < 1 || len(req.args) > 2 {
		b.sendMessage(req.chatID, "Usage: /get_posts <instagram_username> [limit]")
		return nil
	}

	username := strings.TrimPrefix(req.args[0], "@")
	if !api.ValidateUsername(username) {
		b.sendMessage(req.chatID, msgInvalidUsername)
		return nil
	}

	limit := defaultPostsLimit
	if len(req.args) == 2 {
		n, err := strconv.Atoi(req.args[1])
		if err != nil || n < 1 || n > maxPostsLimit {
			b.sendMessage(req.chatID, fmt.Sprintf("Limit must be between 1 and %d", maxPostsLimit))
			return nil
		}
		limit = n
	}

	b.chatAction(req.chatID, tgbotapi.ChatTyping)

	posts, err := b.instagram.GetUserPosts(ctx, username, limit)
	if err != nil && !errors.Is(err, api.ErrProfileNotFound) {
		b.downloadFailed(req, "get_posts", err)
		return nil
	}
	if len(posts) == 0 {
		b.sendMessage(req.chatID, "No posts found for @"+username)
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Recent posts for @%s:\n\n", username)
	for i, p := range posts {
		fmt.Fprintf(&sb, "%d. 📸 Post Details:\n   Likes: %d\n   Comments: %d\n   Date: %s\n   URL: https://www.instagram.com/p/%s/\n\n",
			i+1, p.Likes, p.Comments, p.Timestamp.Format("2006-01-02 15:04"), p.Shortcode)
	}
	b.sendMessage(req.chatID, strings.TrimRight(sb.String(), "\n"))

	if err := b.Storage.LogDownload(ctx, req.userID, "post_list", "@"+username); err != nil {
		monitoring.LogWarn(monitoring.LogEntry{UserID: req.userID, Action: "log_post_list", Error: err})
	}
	return nil
}

func (b *Bot) handleDownloadPost(ctx context.Context, req *request) error {
	if b.featureDisabled(req, b.cfg.Features.PostDownload) {
		return nil
	}
	return b.downloadByURL(ctx, req, "/download_post <post_url>", "Instagram Post")
}

func (b *Bot) handleDownloadReel(ctx context.Context, req *request) error {
	if b.featureDisabled(req, b.cfg.Features.ReelDownload) {
		return nil
	}
	return b.downloadByURL(ctx, req, "/download_reel <reel_url>", "Instagram Reel")
}

func (b *Bot) downloadByURL(ctx context.Context, req *request, usage, caption string) error {
	if len(req.args) != 1 {
		b.sendMessage(req.chatID, "Usage: "+usage)
		return nil
	}

	shortcode, err := api.ExtractShortcode(req.args[0])
	if err != nil {
		b.sendMessage(req.chatID, "That doesn't look like an Instagram post link.")
		return nil
	}

	b.chatAction(req.chatID, tgbotapi.ChatUploadDocument)

	post, err := b.instagram.GetPost(ctx, shortcode)
	if errors.Is(err, api.ErrPostNotFound) {
		b.sendMessage(req.chatID, "Post not found or not accessible.")
		return nil
	}
	if err != nil {
		b.downloadFailed(req, "download_post", err)
		return nil
	}

	return b.deliverMedia(ctx, req, post.Items, caption)
}

func (b *Bot) handleDownloadStory(ctx context.Context, req *request) error {
	if b.featureDisabled(req, b.cfg.Features.StoryDownload) {
		return nil
	}
	if len(req.args) != 1 {
		b.sendMessage(req.chatID, "Usage: /download_story <instagram_username>")
		return nil
	}

	username := strings.TrimPrefix(req.args[0], "@")
	if !api.ValidateUsername(username) {
		b.sendMessage(req.chatID, msgInvalidUsername)
		return nil
	}

	items, err := b.instagram.GetStories(ctx, username)
	switch {
	case errors.Is(err, api.ErrLoginRequired):
		b.sendMessage(req.chatID, "Story downloads are unavailable: the bot has no active Instagram session.")
		return nil
	case errors.Is(err, api.ErrProfileNotFound):
		b.sendMessage(req.chatID, fmt.Sprintf("Instagram profile '%s' not found.", username))
		return nil
	case err != nil:
		b.downloadFailed(req, "download_story", err)
		return nil
	}
	if len(items) == 0 {
		b.sendMessage(req.chatID, "No active stories for @"+username)
		return nil
	}

	return b.deliverMedia(ctx, req, items, "Story by @"+username)
}

func (b *Bot) handleDownloadMultiple(ctx context.Context, req *request) error {
	if b.featureDisabled(req, b.cfg.Features.PostDownload) {
		return nil
	}
	if len(req.args) != 2 {
		b.sendMessage(req.chatID, "Usage: /download_multiple <instagram_username> <post_count>")
		return nil
	}

	username := strings.TrimPrefix(req.args[0], "@")
	if !api.ValidateUsername(username) {
		b.sendMessage(req.chatID, msgInvalidUsername)
		return nil
	}
	count, err := strconv.Atoi(req.args[1])
	if err != nil {
		b.sendMessage(req.chatID, "Invalid post count. Please provide a number.")
		return nil
	}
	if count < 1 || count > maxMultiplePosts {
		b.sendMessage(req.chatID, fmt.Sprintf("Post count must be between 1 and %d", maxMultiplePosts))
		return nil
	}

	b.chatAction(req.chatID, tgbotapi.ChatUploadDocument)

	posts, err := b.instagram.GetUserPosts(ctx, username, count)
	if err != nil && !errors.Is(err, api.ErrProfileNotFound) {
		b.downloadFailed(req, "download_multiple", err)
		return nil
	}
	if len(posts) == 0 {
		b.sendMessage(req.chatID, "No posts found for @"+username)
		return nil
	}

	var files []mediaFile
	defer func() {
		for _, f := range files {
			b.removeFile(f.path)
		}
	}()

	for _, p := range posts {
		path, err := b.downloader.Download(ctx, p.URL, req.userID, string(p.MediaType), "")
		if err != nil {
			monitoring.LogWarn(monitoring.LogEntry{UserID: req.userID, Action: "download_multiple_item", Error: err})
			continue
		}
		files = append(files, mediaFile{path: path, kind: p.MediaType, caption: truncate(p.Caption, captionLimit)})
	}

	if len(files) == 0 {
		b.sendMessage(req.chatID, "Could not download any posts")
		return nil
	}
	return b.sendFiles(req.chatID, files)
}

type mediaFile struct {
	path    string
	kind    api.MediaType
	caption string
}

// deliverMedia downloads every item and sends them as one message or album.
func (b *Bot) deliverMedia(ctx context.Context, req *request, items []api.MediaItem, caption string) error {
	if len(items) > maxMediaGroupSize {
		items = items[:maxMediaGroupSize]
	}

	var files []mediaFile
	defer func() {
		for _, f := range files {
			b.removeFile(f.path)
		}
	}()

	var lastErr error
	for _, it := range items {
		path, err := b.downloader.Download(ctx, it.URL, req.userID, string(it.Type), "")
		if err != nil {
			lastErr = err
			monitoring.LogWarn(monitoring.LogEntry{UserID: req.userID, Action: "download_item", Error: err})
			continue
		}
		files = append(files, mediaFile{path: path, kind: it.Type})
	}

	if len(files) == 0 {
		if lastErr == nil {
			lastErr = errors.New("no downloadable media")
		}
		b.downloadFailed(req, "deliver_media", lastErr)
		return nil
	}

	files[0].caption = caption
	logAction("DOWNLOAD", req.chatID, fmt.Sprintf("%s: %d file(s)", caption, len(files)))
	return b.sendFiles(req.chatID, files)
}

func (b *Bot) sendFiles(chatID int64, files []mediaFile) error {
	if len(files) == 1 {
		f := files[0]
		var c tgbotapi.Chattable
		if f.kind == api.MediaVideo {
			video := tgbotapi.NewVideo(chatID, tgbotapi.FilePath(f.path))
			video.Caption = f.caption
			c = video
		} else {
			photo := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(f.path))
			photo.Caption = f.caption
			c = photo
		}
		if _, err := b.api.Send(c); err != nil {
			return fmt.Errorf("send media: %w", err)
		}
		return nil
	}

	media := make([]interface{}, 0, len(files))
	for _, f := range files {
		if f.kind == api.MediaVideo {
			v := tgbotapi.NewInputMediaVideo(tgbotapi.FilePath(f.path))
			v.Caption = f.caption
			media = append(media, v)
		} else {
			p := tgbotapi.NewInputMediaPhoto(tgbotapi.FilePath(f.path))
			p.Caption = f.caption
			media = append(media, p)
		}
	}
	if _, err := b.api.SendMediaGroup(tgbotapi.NewMediaGroup(chatID, media)); err != nil {
		return fmt.Errorf("send media group: %w", err)
	}
	return nil
}

func (b *Bot) removeFile(path string) {
	if err := b.downloader.Remove(path); err != nil {
		monitoring.LogWarn(monitoring.LogEntry{Action: "remove_file", Error: err, ExtraData: map[string]interface{}{"path": path}})
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
