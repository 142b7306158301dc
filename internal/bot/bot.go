package bot

import (
	"context"
	"errors"
	"strings"
	"sync"

	"InstaTG/internal/api"
	"InstaTG/internal/config"
	"InstaTG/internal/download"
	"InstaTG/internal/monitoring"
	"InstaTG/internal/ratelimit"
	"InstaTG/internal/security"
	"InstaTG/internal/storage"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jonboulle/clockwork"
)

// Messenger is the part of the Telegram Bot API the bot talks to.
type Messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	SendMediaGroup(config tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error)
}

type Instagram interface {
	ProfileExists(ctx context.Context, username string) (bool, error)
	GetProfile(ctx context.Context, username string) (*api.Profile, error)
	GetUserPosts(ctx context.Context, username string, limit int) ([]api.Post, error)
	GetPost(ctx context.Context, shortcode string) (*api.Post, error)
	GetStories(ctx context.Context, username string) ([]api.MediaItem, error)
	CheckCredentials(ctx context.Context, username, password string) error
}

type Downloader interface {
	Download(ctx context.Context, url string, telegramID int64, mediaType, filename string) (string, error)
	Remove(path string) error
	Stats(telegramID int64) (download.Stats, error)
	GlobalStats() (download.GlobalStats, error)
	HealthCheck() error
}

type Deps struct {
	API        Messenger
	Storage    *storage.Storage
	Security   *security.Manager
	Limiter    *ratelimit.Limiter
	Instagram  Instagram
	Downloader Downloader
	Config     *config.Config
	Clock      clockwork.Clock
}

type Bot struct {
	api        Messenger
	Storage    *storage.Storage
	security   *security.Manager
	limiter    *ratelimit.Limiter
	instagram  Instagram
	downloader Downloader
	cfg        *config.Config
	clock      clockwork.Clock
	tools      *MessageTools

	flows      sync.Map // user id -> *flowState
	messageIDs sync.Map // chat id -> *MessageQueue
	userLocks  sync.Map // user id -> *sync.Mutex
	turns      sync.Map // user id -> chan struct{} closed when the user's last update is done
	wg         sync.WaitGroup
}

func NewBot(deps Deps) (*Bot, error) {
	switch {
	case deps.API == nil:
		return nil, errors.New("telegram api is required")
	case deps.Storage == nil:
		return nil, errors.New("storage is required")
	case deps.Security == nil:
		return nil, errors.New("security manager is required")
	case deps.Limiter == nil:
		return nil, errors.New("rate limiter is required")
	case deps.Instagram == nil:
		return nil, errors.New("instagram client is required")
	case deps.Downloader == nil:
		return nil, errors.New("downloader is required")
	case deps.Config == nil:
		return nil, errors.New("config is required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	return &Bot{
		api:        deps.API,
		Storage:    deps.Storage,
		security:   deps.Security,
		limiter:    deps.Limiter,
		instagram:  deps.Instagram,
		downloader: deps.Downloader,
		cfg:        deps.Config,
		clock:      deps.Clock,
		tools:      NewMessageTools(deps.API),
	}, nil
}

// Start handles updates until ctx is cancelled or the channel closes, with at
// most maxConcurrent updates in flight. Updates of one user run in arrival order.
func (b *Bot) Start(ctx context.Context, updates <-chan tgbotapi.Update) {
	logAction("START", 0, "bot started")
	defer b.wg.Wait()

	workerPool := make(chan struct{}, maxConcurrent)

	for {
		select {
		case <-ctx.Done():
			logAction("STOP", 0, "shutdown signal received, stopping")
			return
		case update, ok := <-updates:
			if !ok {
				logAction("STOP", 0, "updates channel closed")
				return
			}

			select {
			case workerPool <- struct{}{}:
			case <-ctx.Done():
				return
			}

			uid := updateUserID(update)
			done := make(chan struct{})
			prev, _ := b.turns.Swap(uid, done)

			b.wg.Add(1)
			go func(update tgbotapi.Update) {
				defer b.wg.Done()
				defer func() { <-workerPool }()
				defer func() {
					close(done)
					b.turns.CompareAndDelete(uid, done)
				}()
				if prev != nil {
					<-prev.(chan struct{})
				}
				b.HandleUpdate(ctx, update)
			}(update)
		}
	}
}

// HandleUpdate processes a single update synchronously. Updates of the same
// user never run concurrently.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	mu := b.userLock(updateUserID(update))
	mu.Lock()
	defer mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			monitoring.Logger().WithField("panic", r).Error("update handler panicked")
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) userLock(userID int64) *sync.Mutex {
	mu, _ := b.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// updateUserID returns the sender of the update, or 0 when it has none.
func updateUserID(update tgbotapi.Update) int64 {
	switch {
	case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
		return update.CallbackQuery.From.ID
	case update.Message != nil && update.Message.From != nil:
		return update.Message.From.ID
	}
	return 0
}

func (b *Bot) sendMessage(chatID int64, text string) int {
	return b.send(tgbotapi.NewMessage(chatID, text))
}

func (b *Bot) sendMarkdown(chatID int64, text string) int {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	return b.send(msg)
}

func (b *Bot) sendWithKeyboard(chatID int64, text string, markup interface{}) int {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = markup
	return b.send(msg)
}

func (b *Bot) send(c tgbotapi.Chattable) int {
	sent, err := b.api.Send(c)
	if err != nil {
		monitoring.LogError(monitoring.LogEntry{Action: "send_message", Error: err})
		return 0
	}
	return sent.MessageID
}

// sendSensitive sends a message that is purged with the rest of the flow.
func (b *Bot) sendSensitive(chatID int64, text string) {
	if id := b.sendMessage(chatID, text); id != 0 {
		b.getMessageQueue(chatID).Add(id)
	}
}

func (b *Bot) getMessageQueue(chatID int64) *MessageQueue {
	queue, _ := b.messageIDs.LoadOrStore(chatID, NewMessageQueue(maxStoredMessages))
	return queue.(*MessageQueue)
}

// purgeSensitive deletes every tracked message of the chat.
func (b *Bot) purgeSensitive(chatID int64) {
	ids := b.getMessageQueue(chatID).Drain()
	b.tools.DeleteMessages(chatID, ids)
}

func (b *Bot) getFlow(userID int64) (*flowState, bool) {
	v, ok := b.flows.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(*flowState), true
}

func (b *Bot) setFlow(userID int64, state *flowState) {
	if _, loaded := b.flows.Swap(userID, state); !loaded {
		monitoring.ActiveFlows.Inc()
	}
}

func (b *Bot) clearFlow(userID int64) {
	if _, loaded := b.flows.LoadAndDelete(userID); loaded {
		monitoring.ActiveFlows.Dec()
	}
}

// parseCommand splits "/cmd@bot a b" into its command and arguments.
func parseCommand(msg *tgbotapi.Message) (string, []string) {
	if msg.IsCommand() {
		return msg.Command(), strings.Fields(msg.CommandArguments())
	}
	if cmd, ok := buttonCommands[strings.TrimSpace(msg.Text)]; ok {
		return cmd, nil
	}
	return "", nil
}
