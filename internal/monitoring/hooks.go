package monitoring

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logMaxSizeMB  = 10
	logMaxBackups = 5
)

// FileHook appends error-level entries to a size-rotated file, one JSON object
// per line.
type FileHook struct {
	mu        sync.Mutex
	writer    *lumberjack.Logger
	formatter logrus.Formatter
}

func NewFileHook(path string) (*FileHook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
	}
	return &FileHook{writer: w, formatter: &logrus.JSONFormatter{}}, nil
}

func (h *FileHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}
}

func (h *FileHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.writer.Write(line)
	return err
}

func (h *FileHook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writer.Close()
}

// Sender is the subset of the Telegram client the hook needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramHook mirrors warnings and errors to a Telegram channel.
// Delivery is asynchronous and best-effort: a full queue drops entries.
type TelegramHook struct {
	sender  Sender
	chatID  int64
	queue   chan string
	done    chan struct{}
	closeMu sync.Once
}

func NewTelegramHook(sender Sender, chatID int64) *TelegramHook {
	h := &TelegramHook{
		sender: sender,
		chatID: chatID,
		queue:  make(chan string, 64),
		done:   make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *TelegramHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (h *TelegramHook) Fire(entry *logrus.Entry) error {
	select {
	case h.queue <- formatTelegramEntry(entry):
	default:
	}
	return nil
}

// Close stops delivery after draining what is already queued.
func (h *TelegramHook) Close() {
	h.closeMu.Do(func() {
		close(h.queue)
		<-h.done
	})
}

func (h *TelegramHook) run() {
	defer close(h.done)
	for text := range h.queue {
		msg := tgbotapi.NewMessage(h.chatID, text)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := h.sender.Send(msg); err != nil {
			fmt.Fprintf(os.Stderr, "telegram log hook: %v\n", err)
		}
	}
}

func formatTelegramEntry(entry *logrus.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*: %s\n", strings.ToUpper(entry.Level.String()), tgbotapi.EscapeText(tgbotapi.ModeMarkdown, entry.Message))
	if action, ok := entry.Data["action"]; ok {
		fmt.Fprintf(&b, "Action: `%v`\n", action)
	}
	if errText, ok := entry.Data["error"]; ok {
		fmt.Fprintf(&b, "Error: `%v`\n", errText)
	}
	fmt.Fprintf(&b, "Time: `%s`", entry.Time.Format("2006-01-02 15:04:05"))
	return b.String()
}
