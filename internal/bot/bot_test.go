package bot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"InstaTG/internal/api"
	"InstaTG/internal/config"
	"InstaTG/internal/download"
	"InstaTG/internal/ratelimit"
	"InstaTG/internal/security"
	"InstaTG/internal/storage"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminID = 999

type fakeMessenger struct {
	mu       sync.Mutex
	nextID   int
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	groups   []tgbotapi.MediaGroupConfig
}

func (f *fakeMessenger) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, c)
	return tgbotapi.Message{MessageID: 1000 + f.nextID}, nil
}

func (f *fakeMessenger) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeMessenger) SendMediaGroup(cfg tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, cfg)
	return nil, nil
}

func (f *fakeMessenger) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m.Text)
		}
	}
	return out
}

func (f *fakeMessenger) lastText() string {
	texts := f.texts()
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

func (f *fakeMessenger) lastSent() tgbotapi.Chattable {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeMessenger) deletedIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int
	for _, c := range f.requests {
		if d, ok := c.(tgbotapi.DeleteMessageConfig); ok {
			ids = append(ids, d.MessageID)
		}
	}
	return ids
}

type fakeInstagram struct {
	profiles map[string]*api.Profile
	posts    map[string][]api.Post
	post     map[string]*api.Post
	stories  []api.MediaItem
	password string
	err      error
}

func (f *fakeInstagram) ProfileExists(_ context.Context, username string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.profiles[username]
	return ok, nil
}

func (f *fakeInstagram) GetProfile(_ context.Context, username string) (*api.Profile, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.profiles[username]
	if !ok {
		return nil, api.ErrProfileNotFound
	}
	return p, nil
}

func (f *fakeInstagram) GetUserPosts(_ context.Context, username string, limit int) ([]api.Post, error) {
	posts := f.posts[username]
	if len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

func (f *fakeInstagram) GetPost(_ context.Context, shortcode string) (*api.Post, error) {
	p, ok := f.post[shortcode]
	if !ok {
		return nil, api.ErrPostNotFound
	}
	return p, nil
}

func (f *fakeInstagram) GetStories(_ context.Context, _ string) ([]api.MediaItem, error) {
	if f.stories == nil {
		return nil, api.ErrLoginRequired
	}
	return f.stories, nil
}

func (f *fakeInstagram) CheckCredentials(_ context.Context, _, password string) error {
	if password != f.password {
		return api.ErrLoginFailed
	}
	return nil
}

type fakeDownloader struct {
	mu      sync.Mutex
	dir     string
	n       int
	failFor map[string]error
	urls    []string
	removed []string
}

func (f *fakeDownloader) Download(_ context.Context, url string, telegramID int64, mediaType, filename string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[url]; err != nil {
		return "", err
	}
	f.n++
	f.urls = append(f.urls, url)
	if filename == "" {
		filename = fmt.Sprintf("%s_%d", mediaType, f.n)
	}
	return filepath.Join(f.dir, fmt.Sprint(telegramID), filename), nil
}

func (f *fakeDownloader) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeDownloader) Stats(int64) (download.Stats, error) {
	return download.Stats{MediaTypes: map[string]int{}}, nil
}

func (f *fakeDownloader) GlobalStats() (download.GlobalStats, error) {
	return download.GlobalStats{
		Stats: download.Stats{TotalDownloads: 3, TotalSize: 2048, MediaTypes: map[string]int{"image": 2, "video": 1}},
		Users: map[string]download.Stats{"1": {}},
	}, nil
}

func (f *fakeDownloader) HealthCheck() error { return nil }

type testEnv struct {
	bot   *Bot
	msgr  *fakeMessenger
	ig    *fakeInstagram
	dl    *fakeDownloader
	store *storage.Storage
	sec   *security.Manager
	clock clockwork.FakeClock
	cfg   *config.Config
	msgID int
}

func newTestEnv(t *testing.T, rateLimit int) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewStorage(ctx, storage.Options{
		URL:         "sqlite:///" + filepath.Join(t.TempDir(), "bot.db"),
		PoolSize:    1,
		PoolTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sec, err := security.NewManager("secret", "salt")
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := &config.Config{
		AdminIDs:      []int64{adminID},
		JWTExpiration: time.Hour,
		Features: config.Features{
			ProfileDownload: true,
			PostDownload:    true,
			ReelDownload:    true,
		},
	}

	env := &testEnv{
		msgr: &fakeMessenger{},
		ig: &fakeInstagram{
			profiles: map[string]*api.Profile{
				"natgeo": {Username: "natgeo", FullName: "National Geographic", Followers: 10, ProfilePicURL: "https://cdn.example/natgeo.jpg"},
			},
			posts: map[string][]api.Post{
				"natgeo": {
					{Shortcode: "A1", Likes: 3, MediaType: api.MediaImage, URL: "https://cdn.example/a1.jpg", Caption: "one"},
					{Shortcode: "B2", Likes: 4, MediaType: api.MediaVideo, URL: "https://cdn.example/b2.mp4"},
				},
			},
			post: map[string]*api.Post{
				"CAROUSEL": {Items: []api.MediaItem{
					{Type: api.MediaImage, URL: "https://cdn.example/c1.jpg"},
					{Type: api.MediaVideo, URL: "https://cdn.example/c2.mp4"},
				}},
				"SINGLE": {Items: []api.MediaItem{{Type: api.MediaVideo, URL: "https://cdn.example/s.mp4"}}},
			},
			password: "correct-horse",
		},
		dl:    &fakeDownloader{dir: t.TempDir(), failFor: map[string]error{}},
		store: store,
		sec:   sec,
		clock: clock,
		cfg:   cfg,
	}

	env.bot, err = NewBot(Deps{
		API:        env.msgr,
		Storage:    store,
		Security:   sec,
		Limiter:    ratelimit.New(rateLimit, time.Minute, 5*time.Minute, clock),
		Instagram:  env.ig,
		Downloader: env.dl,
		Config:     cfg,
		Clock:      clock,
	})
	require.NoError(t, err)
	return env
}

func (e *testEnv) message(userID int64, text string) tgbotapi.Update {
	e.msgID++
	m := &tgbotapi.Message{
		MessageID: e.msgID,
		From:      &tgbotapi.User{ID: userID, FirstName: "Ada", UserName: "ada"},
		Chat:      &tgbotapi.Chat{ID: userID},
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		end := strings.IndexByte(text, ' ')
		if end < 0 {
			end = len(text)
		}
		m.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: end}}
	}
	return tgbotapi.Update{Message: m}
}

func (e *testEnv) send(userID int64, text string) {
	e.bot.HandleUpdate(context.Background(), e.message(userID, text))
}

func (e *testEnv) register(t *testing.T, userID int64) {
	t.Helper()
	ctx := context.Background()
	_, err := e.store.CreateUser(ctx, storage.TelegramProfile{ID: userID, FirstName: "Ada"})
	require.NoError(t, err)
	require.NoError(t, e.store.CompleteRegistration(ctx, userID, "natgeo"))
}

func (e *testEnv) login(t *testing.T, userID int64, password string) {
	t.Helper()
	encUser, err := e.sec.Encrypt("natgeo")
	require.NoError(t, err)
	encPass, err := e.sec.Encrypt(password)
	require.NoError(t, err)
	session, err := e.sec.GenerateSessionToken(userID, time.Hour)
	require.NoError(t, err)
	require.NoError(t, e.store.UpdateInstagramCredentials(context.Background(), userID, "natgeo", encUser, encPass, session))
}

func TestNewBot_RequiresDeps(t *testing.T) {
	_, err := NewBot(Deps{})
	assert.Error(t, err)
}

func TestStart_CreatesUserAndShowsKeyboard(t *testing.T) {
	env := newTestEnv(t, 100)

	env.send(1, "/start")

	u, err := env.store.GetUserByTelegramID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "ada", u.TelegramUsername)
	assert.False(t, u.IsRegistered)

	msg, ok := env.msgr.lastSent().(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Contains(t, msg.Text, "Welcome Ada")
	assert.IsType(t, tgbotapi.ReplyKeyboardMarkup{}, msg.ReplyMarkup)
}

func TestUnregisteredUserIsRejected(t *testing.T) {
	env := newTestEnv(t, 100)

	env.send(1, "/start")
	env.send(1, "/profile")
	assert.True(t, strings.HasPrefix(env.msgr.lastText(), msgUnauthorized))

	env.send(1, "hello there")
	assert.True(t, strings.HasPrefix(env.msgr.lastText(), msgUnauthorized))

	env.send(1, buttonHelp)
	assert.Contains(t, env.msgr.lastText(), "Available commands")
}

func TestUnknownCommand(t *testing.T) {
	env := newTestEnv(t, 100)
	env.send(1, "/nope")
	assert.Contains(t, env.msgr.lastText(), "Unknown command")
}

func TestRegistrationFlow(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()

	env.send(1, buttonRegister)
	assert.Equal(t, "Please enter your Instagram username to register:", env.msgr.lastText())

	env.send(1, "bad name")
	assert.Contains(t, env.msgr.lastText(), msgInvalidUsername)

	env.send(1, "ghost_user")
	assert.Contains(t, env.msgr.lastText(), "does not exist")

	env.send(1, "@natgeo")
	msg, ok := env.msgr.lastSent().(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, "Confirm Instagram username: natgeo? (Yes/No)", msg.Text)
	assert.IsType(t, tgbotapi.InlineKeyboardMarkup{}, msg.ReplyMarkup)

	env.bot.HandleUpdate(ctx, tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb-1",
		From:    &tgbotapi.User{ID: 1},
		Message: &tgbotapi.Message{MessageID: 50, Chat: &tgbotapi.Chat{ID: 1}},
		Data:    callbackRegisterYes,
	}})
	assert.Contains(t, env.msgr.lastText(), "Registration successful")

	u, err := env.store.GetUserByTelegramID(ctx, 1)
	require.NoError(t, err)
	assert.True(t, u.IsRegistered)
	assert.Equal(t, "natgeo", u.InstagramUsername)

	env.send(1, "/register")
	assert.Equal(t, "You are already registered!", env.msgr.lastText())
}

func TestRegistrationFlow_Declined(t *testing.T) {
	env := newTestEnv(t, 100)

	env.send(1, "/register")
	env.send(1, "natgeo")
	env.send(1, "no")
	assert.Equal(t, "Registration cancelled. Please start again.", env.msgr.lastText())

	u, err := env.store.GetUserByTelegramID(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, u.IsRegistered)
}

func TestLoginFlow_StoresEncryptedCredentials(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()
	env.register(t, 1)

	env.send(1, "/login")
	loginMsg := env.msgID
	assert.Equal(t, "Enter your Instagram username:", env.msgr.lastText())

	env.send(1, "natgeo")
	usernameMsg := env.msgID
	assert.Equal(t, "Enter your Instagram password:", env.msgr.lastText())

	env.send(1, "correct-horse")
	passwordMsg := env.msgID
	assert.Contains(t, env.msgr.lastText(), "Login successful")

	deleted := env.msgr.deletedIDs()
	assert.Contains(t, deleted, loginMsg)
	assert.Contains(t, deleted, usernameMsg)
	assert.Contains(t, deleted, passwordMsg)

	u, err := env.store.GetUserByTelegramID(ctx, 1)
	require.NoError(t, err)
	assert.True(t, u.IsAuthenticated)
	id, err := env.sec.ValidateSessionToken(u.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	cred, err := env.store.GetCredential(ctx, 1)
	require.NoError(t, err)
	assert.NotEqual(t, "correct-horse", cred.EncryptedPassword)
	plain, err := env.sec.Decrypt(cred.EncryptedPassword)
	require.NoError(t, err)
	assert.Equal(t, "correct-horse", plain)

	_, active := env.bot.getFlow(1)
	assert.False(t, active)
}

func TestLoginFlow_BlocksAfterThreeFailures(t *testing.T) {
	env := newTestEnv(t, 100)
	env.register(t, 1)

	env.send(1, "/login")
	env.send(1, "natgeo")
	env.send(1, "wrong-1")
	assert.Equal(t, "Login failed. Attempt 1/3. Please try again:", env.msgr.lastText())
	env.send(1, "wrong-2")
	env.send(1, "wrong-3")
	assert.Contains(t, env.msgr.lastText(), "Too many failed login attempts")

	blocked, until, err := env.store.IsUserBlocked(context.Background(), 1, env.clock.Now())
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.WithinDuration(t, env.clock.Now().Add(30*time.Minute), until, time.Second)

	env.send(1, "/help")
	assert.Contains(t, env.msgr.lastText(), "temporarily blocked until")

	env.clock.Advance(31 * time.Minute)
	env.send(1, "/help")
	assert.Contains(t, env.msgr.lastText(), "Available commands")
}

func TestLoginFlow_ConcurrentPasswordsCountedOnce(t *testing.T) {
	env := newTestEnv(t, 100)
	env.register(t, 1)

	env.send(1, "/login")
	env.send(1, "natgeo")

	updates := []tgbotapi.Update{
		env.message(1, "wrong-1"),
		env.message(1, "wrong-2"),
		env.message(1, "wrong-3"),
	}
	var wg sync.WaitGroup
	for _, u := range updates {
		wg.Add(1)
		go func(u tgbotapi.Update) {
			defer wg.Done()
			env.bot.HandleUpdate(context.Background(), u)
		}(u)
	}
	wg.Wait()

	counts := map[string]int{}
	for _, text := range env.msgr.texts() {
		counts[text]++
	}
	assert.Equal(t, 1, counts["Login failed. Attempt 1/3. Please try again:"])
	assert.Equal(t, 1, counts["Login failed. Attempt 2/3. Please try again:"])
	assert.Equal(t, 1, counts["🚫 Too many failed login attempts. Your account has been temporarily blocked."])

	blocked, _, err := env.store.IsUserBlocked(context.Background(), 1, env.clock.Now())
	require.NoError(t, err)
	assert.True(t, blocked)
	_, active := env.bot.getFlow(1)
	assert.False(t, active)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, 100)
	env.register(t, 1)
	env.login(t, 1, "pw")

	env.send(1, "/logout")
	assert.Contains(t, env.msgr.lastText(), "logged out successfully")

	_, err := env.store.GetCredential(context.Background(), 1)
	assert.ErrorIs(t, err, storage.ErrCredentialNotFound)
}

func TestExpiredSessionIsClosed(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()
	env.register(t, 1)
	require.NoError(t, env.store.UpdateInstagramCredentials(ctx, 1, "natgeo", "u", "p", "not-a-jwt"))

	env.send(1, "/help")

	texts := env.msgr.texts()
	require.GreaterOrEqual(t, len(texts), 2)
	assert.Contains(t, texts[len(texts)-2], "session has expired")

	u, err := env.store.GetUserByTelegramID(ctx, 1)
	require.NoError(t, err)
	assert.False(t, u.IsAuthenticated)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, 2)
	env.register(t, 1)
	env.register(t, adminID)

	env.send(1, "/help")
	env.send(1, "/help")
	env.send(1, "/help")
	assert.Equal(t, msgRateLimited, env.msgr.lastText())

	for i := 0; i < 5; i++ {
		env.send(adminID, "/help")
	}
	assert.Contains(t, env.msgr.lastText(), "Admin")
}

var tokenPattern = regexp.MustCompile("`([0-9a-f]+)`")

func TestResetPasswordFlow(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()
	env.register(t, 1)
	env.login(t, 1, "old-password")

	env.send(1, "/reset_password")
	msg, ok := env.msgr.lastSent().(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, tgbotapi.ModeMarkdown, msg.ParseMode)
	m := tokenPattern.FindStringSubmatch(msg.Text)
	require.Len(t, m, 2)
	token := m[1]

	env.send(1, "deadbeef")
	assert.Equal(t, "Invalid or expired reset token. Please try again.", env.msgr.lastText())

	env.send(1, token)
	assert.Equal(t, "Enter your new Instagram password:", env.msgr.lastText())

	_, err := env.store.GetResetToken(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	env.send(1, "short")
	assert.Contains(t, env.msgr.lastText(), "at least 8 characters")

	env.send(1, "brand-new-pass")
	assert.Contains(t, env.msgr.lastText(), "Password reset successful")

	cred, err := env.store.GetCredential(ctx, 1)
	require.NoError(t, err)
	plain, err := env.sec.Decrypt(cred.EncryptedPassword)
	require.NoError(t, err)
	assert.Equal(t, "brand-new-pass", plain)
}

func TestResetPassword_ExpiredToken(t *testing.T) {
	env := newTestEnv(t, 100)
	env.register(t, 1)

	env.send(1, "/reset_password")
	m := tokenPattern.FindStringSubmatch(env.msgr.lastText())
	require.Len(t, m, 2)

	env.clock.Advance(16 * time.Minute)
	env.send(1, m[1])
	assert.Contains(t, env.msgr.lastText(), "request a new one")

	_, active := env.bot.getFlow(1)
	assert.False(t, active)
}

func TestSettingsChangePassword(t *testing.T) {
	env := newTestEnv(t, 100)
	env.register(t, 1)
	env.login(t, 1, "old-password")

	env.send(1, "/settings")
	env.send(1, buttonChangePassword)
	assert.Equal(t, "Enter your current Instagram password:", env.msgr.lastText())

	env.send(1, "nope")
	assert.Equal(t, "Incorrect password. Please try again.", env.msgr.lastText())

	env.send(1, "old-password")
	assert.Equal(t, "Enter new Instagram password:", env.msgr.lastText())

	env.send(1, "new-password")
	assert.Equal(t, "🎉 Password updated successfully!", env.msgr.lastText())

	cred, err := env.store.GetCredential(context.Background(), 1)
	require.NoError(t, err)
	plain, err := env.sec.Decrypt(cred.EncryptedPassword)
	require.NoError(t, err)
	assert.Equal(t, "new-password", plain)
}

func TestSettings_RequiresLogin(t *testing.T) {
	env := newTestEnv(t, 100)
	env.register(t, 1)

	env.send(1, "/settings")
	env.send(1, buttonChangePassword)
	assert.Contains(t, env.msgr.lastText(), "Please /login first")
}

func TestCancelEndsFlow(t *testing.T) {
	env := newTestEnv(t, 100)
	env.register(t, 1)

	env.send(1, "/settings")
	env.send(1, buttonCancel)
	assert.Equal(t, "❌ Cancelled.", env.msgr.lastText())

	_, active := env.bot.getFlow(1)
	assert.False(t, active)

	env.send(1, "/cancel")
	assert.Equal(t, "Nothing to cancel.", env.msgr.lastText())
}

func TestDeleteAccount(t *testing.T) {
	env := newTestEnv(t, 100)
	env.register(t, 1)

	env.send(1, "/delete_account")
	assert.Contains(t, env.msgr.lastText(), "Account Deletion Warning")

	env.send(1, buttonConfirmDelete)
	assert.Contains(t, env.msgr.lastText(), "successfully deleted")

	_, err := env.store.GetUserByTelegramID(context.Background(), 1)
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
}

func TestExportData(t *testing.T) {
	env := newTestEnv(t, 100)
	env.register(t, 1)
	require.NoError(t, env.store.LogDownload(context.Background(), 1, "image", "/x.jpg"))

	env.send(1, "/export_data")

	doc, ok := env.msgr.lastSent().(tgbotapi.DocumentConfig)
	require.True(t, ok)
	file, ok := doc.File.(tgbotapi.FileBytes)
	require.True(t, ok)
	assert.Equal(t, "user_data_export_1.json", file.Name)
	assert.Contains(t, string(file.Bytes), `"media_type": "image"`)
}

func TestProfile(t *testing.T) {
	env := newTestEnv(t, 100)
	env.register(t, 1)

	env.send(1, "/profile")
	text := env.msgr.lastText()
	assert.Contains(t, text, "ID: 1")
	assert.Contains(t, text, "Full Name: National Geographic")
	assert.Contains(t, text, "Last Login: never")
}

func TestDownloadProfile(t *testing.T) {
	env := newTestEnv(t, 100)
	env.register(t, 1)

	env.send(1, "/download_profile natgeo")

	photo, ok := env.msgr.lastSent().(tgbotapi.PhotoConfig)
	require.True(t, ok)
	assert.Equal(t, "Profile picture for @natgeo", photo.Caption)
	assert.Equal(t, []string{"https://cdn.example/natgeo.jpg"}, env.dl.urls)
	require.Len(t, env.dl.removed, 1)
	assert.Equal(t, "profile_picture_natgeo.jpg", filepath.Base(env.dl.removed[0]))

	env.send(1, "/download_profile missing_one")
	assert.Equal(t, "Instagram profile 'missing_one' not found.", env.msgr.lastText())

	env.send(1, "/download_profile")
	assert.Contains(t, env.msgr.lastText(), "Usage")
}

func TestDownloadProfile_TooLarge(t *testing.T) {
	env := newTestEnv(t, 100)
	env.register(t, 1)
	env.dl.failFor["https://cdn.example/natgeo.jpg"] = fmt.Errorf("wrap: %w", download.ErrTooLarge)

	env.send(1, "/download_profile natgeo")
	assert.Equal(t, msgFileTooLarge, env.msgr.lastText())
}

func TestDownloadPost(t *testing.T) {
	env := newTestEnv(t, 100)
	env.register(t, 1)

	env.send(1, "/download_post https://www.instagram.com/p/CAROUSEL/")
	require.Len(t, env.msgr.groups, 1)
	assert.Len(t, env.msgr.groups[0].Media, 2)
	assert.Len(t, env.dl.removed, 2)

	env.send(1, "/download_reel https://www.instagram.com/reel/SINGLE/")
	video, ok := env.msgr.lastSent().(tgbotapi.VideoConfig)
	require.True(t, ok)
	assert.Equal(t, "Instagram Reel", video.Caption)

	env.send(1, "/download_post https://www.instagram.com/natgeo/")
	assert.Contains(t, env.msgr.lastText(), "doesn't look like")

	env.send(1, "/download_post https://www.instagram.com/p/GONE/")
	assert.Equal(t, "Post not found or not accessible.", env.msgr.lastText())
}

func TestDownloadPost_AllItemsFail(t *testing.T) {
	env := newTestEnv(t, 100)
	env.register(t, 1)
	env.dl.failFor["https://cdn.example/s.mp4"] = errors.New("boom")

	env.send(1, "/download_post https://www.instagram.com/p/SINGLE/")
	assert.Equal(t, msgDownloadFailed, env.msgr.lastText())
}

func TestFeatureFlags(t *testing.T) {
	env := newTestEnv(t, 100)
	env.register(t, 1)

	env.send(1, "/download_story natgeo")
	assert.Equal(t, msgFeatureDisabled, env.msgr.lastText())

	env.cfg.Features.StoryDownload = true
	env.send(1, "/download_story natgeo")
	assert.Contains(t, env.msgr.lastText(), "no active Instagram session")

	env.ig.stories = []api.MediaItem{{Type: api.MediaImage, URL: "https://cdn.example/story.jpg"}}
	env.send(1, "/download_story natgeo")
	photo, ok := env.msgr.lastSent().(tgbotapi.PhotoConfig)
	require.True(t, ok)
	assert.Equal(t, "Story by @natgeo", photo.Caption)

	env.cfg.Features.PostDownload = false
	env.send(1, "/download_post https://www.instagram.com/p/SINGLE/")
	assert.Equal(t, msgFeatureDisabled, env.msgr.lastText())
}

func TestGetPosts(t *testing.T) {
	env := newTestEnv(t, 100)
	env.register(t, 1)

	env.send(1, "/get_posts natgeo 11")
	assert.Equal(t, "Limit must be between 1 and 10", env.msgr.lastText())

	env.send(1, "/get_posts natgeo abc")
	assert.Equal(t, "Limit must be between 1 and 10", env.msgr.lastText())

	env.send(1, "/get_posts bad!name")
	assert.Equal(t, msgInvalidUsername, env.msgr.lastText())

	env.send(1, "/get_posts nobody_here")
	assert.Equal(t, "No posts found for @nobody_here", env.msgr.lastText())

	env.send(1, "/get_posts natgeo 1")
	text := env.msgr.lastText()
	assert.Contains(t, text, "Recent posts for @natgeo")
	assert.Contains(t, text, "https://www.instagram.com/p/A1/")
	assert.NotContains(t, text, "B2")
}

func TestDownloadMultiple(t *testing.T) {
	env := newTestEnv(t, 100)
	env.register(t, 1)

	env.send(1, "/download_multiple natgeo six")
	assert.Equal(t, "Invalid post count. Please provide a number.", env.msgr.lastText())

	env.send(1, "/download_multiple natgeo 6")
	assert.Equal(t, "Post count must be between 1 and 5", env.msgr.lastText())

	env.send(1, "/download_multiple natgeo 5")
	require.Len(t, env.msgr.groups, 1)
	assert.Len(t, env.msgr.groups[0].Media, 2)
	assert.Len(t, env.dl.removed, 2)
}

func TestAdminCommands(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()
	env.register(t, 1)

	env.send(1, "/stats")
	assert.Equal(t, msgUnauthorized, env.msgr.lastText())

	env.send(adminID, "/stats")
	text := env.msgr.lastText()
	assert.Contains(t, text, "Users: 1")
	assert.Contains(t, text, "image: 2")

	env.send(adminID, "/block 1 10")
	assert.Contains(t, env.msgr.lastText(), "User 1 blocked")
	blocked, _, err := env.store.IsUserBlocked(ctx, 1, env.clock.Now())
	require.NoError(t, err)
	assert.True(t, blocked)

	env.send(adminID, "/block 12345")
	assert.Equal(t, "User 12345 not found.", env.msgr.lastText())

	env.send(adminID, "/unblock 1")
	assert.Equal(t, "✅ User 1 unblocked.", env.msgr.lastText())
	blocked, _, err = env.store.IsUserBlocked(ctx, 1, env.clock.Now())
	require.NoError(t, err)
	assert.False(t, blocked)

	env.send(adminID, "/health")
	assert.Contains(t, env.msgr.lastText(), "Database: ✅ ok")
}

func TestStart_ProcessesUpdatesUntilClosed(t *testing.T) {
	env := newTestEnv(t, 100)

	updates := make(chan tgbotapi.Update, 5)
	for i := int64(1); i <= 5; i++ {
		updates <- env.message(i, "/start")
	}
	close(updates)

	done := make(chan struct{})
	go func() {
		env.bot.Start(context.Background(), updates)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after the channel closed")
	}

	n, err := env.store.CountUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestStart_KeepsPerUserOrder(t *testing.T) {
	env := newTestEnv(t, 100)
	env.register(t, 1)

	updates := make(chan tgbotapi.Update, 6)
	updates <- env.message(1, "/login")
	updates <- env.message(2, "/start")
	updates <- env.message(1, "natgeo")
	updates <- env.message(3, "/start")
	updates <- env.message(1, "correct-horse")
	passwordMsg := env.msgID
	close(updates)

	done := make(chan struct{})
	go func() {
		env.bot.Start(context.Background(), updates)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after the channel closed")
	}

	assert.Contains(t, env.msgr.texts(), "🎉 Login successful! You can now use Instagram features.")
	assert.Contains(t, env.msgr.deletedIDs(), passwordMsg)

	u, err := env.store.GetUserByTelegramID(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, u.IsAuthenticated)

	_, pending := env.bot.turns.Load(int64(1))
	assert.False(t, pending)
}

func TestStart_StopsOnCancel(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		env.bot.Start(ctx, make(chan tgbotapi.Update))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestMessageTools_DeleteMessages(t *testing.T) {
	msgr := &fakeMessenger{}
	tools := NewMessageTools(msgr)

	assert.Zero(t, tools.DeleteMessages(1, nil))
	assert.Equal(t, 25, tools.DeleteMessages(1, makeIDs(25)))
	assert.ElementsMatch(t, makeIDs(25), msgr.deletedIDs())
}

func makeIDs(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i + 1
	}
	return ids
}

func TestMessageQueue(t *testing.T) {
	q := NewMessageQueue(3)
	for i := 1; i <= 5; i++ {
		q.Add(i)
	}
	assert.Equal(t, []int{3, 4, 5}, q.Drain())
	assert.Zero(t, q.Len())
}
