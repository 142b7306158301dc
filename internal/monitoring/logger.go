package monitoring

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func init() {
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.JSONFormatter{})
}

type Options struct {
	Level string
	// LogFile receives error-level entries; empty disables the file sink.
	LogFile string
	// Telegram mirrors warnings to a channel when non-nil.
	Telegram *TelegramHook
}

// Setup configures the shared logger. The returned closer releases the log file.
func Setup(opts Options) (io.Closer, error) {
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)

	var closer io.Closer = nopCloser{}
	if opts.LogFile != "" {
		hook, err := NewFileHook(opts.LogFile)
		if err != nil {
			return nil, err
		}
		log.AddHook(hook)
		closer = hook
	}

	if opts.Telegram != nil {
		log.AddHook(opts.Telegram)
	}

	return closer, nil
}

// Logger exposes the shared logger for packages that need raw logrus access.
func Logger() *logrus.Logger {
	return log
}

type LogEntry struct {
	UserID    int64
	Action    string
	Error     error
	ExtraData map[string]interface{}
}

func (e LogEntry) fields() logrus.Fields {
	fields := logrus.Fields{
		"user_id": e.UserID,
		"action":  e.Action,
	}

	if e.Error != nil {
		fields["error"] = e.Error.Error()
	}

	for k, v := range e.ExtraData {
		fields[k] = v
	}
	return fields
}

func LogError(entry LogEntry) {
	log.WithFields(entry.fields()).Error("operation failed")
}

func LogWarn(entry LogEntry) {
	log.WithFields(entry.fields()).Warn("operation degraded")
}

func LogInfo(entry LogEntry) {
	log.WithFields(entry.fields()).Info("operation completed")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
