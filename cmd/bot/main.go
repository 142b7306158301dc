package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"InstaTG/internal/api"
	"InstaTG/internal/bot"
	"InstaTG/internal/config"
	"InstaTG/internal/download"
	"InstaTG/internal/monitoring"
	"InstaTG/internal/ratelimit"
	"InstaTG/internal/security"
	"InstaTG/internal/server"
	"InstaTG/internal/storage"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const (
	cleanupInterval = time.Hour
	shutdownTimeout = 10 * time.Second
	pollTimeout     = 60
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}
	if err := cfg.CreateDirectories(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		monitoring.Logger().WithError(err).Error("bot stopped with error")
		stop()
		os.Exit(1)
	}
	monitoring.Logger().Info("bot stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	tg, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return fmt.Errorf("create telegram client: %w", err)
	}
	tg.Debug = !cfg.IsProduction() && strings.EqualFold(cfg.LogLevel, "debug")

	logOpts := monitoring.Options{
		Level:   cfg.LogLevel,
		LogFile: filepath.Join(cfg.LogDir, "app.log"),
	}
	if cfg.TelegramLogChannelID != 0 {
		hook := monitoring.NewTelegramHook(tg, cfg.TelegramLogChannelID)
		defer hook.Close()
		logOpts.Telegram = hook
	}
	logCloser, err := monitoring.Setup(logOpts)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logCloser.Close()

	logger := monitoring.Logger()
	logger.WithField("bot", tg.Self.UserName).WithField("env", cfg.Env).Info("authorized on telegram")

	store, err := storage.NewStorage(ctx, storage.Options{
		URL:         cfg.Database.URL,
		PoolSize:    cfg.Database.PoolSize,
		MaxOverflow: cfg.Database.MaxOverflow,
		PoolTimeout: cfg.Database.PoolTimeout,
		PoolRecycle: cfg.Database.PoolRecycle,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	sec, err := security.NewManager(cfg.SecretKey, cfg.EncryptionSalt)
	if err != nil {
		return fmt.Errorf("create security manager: %w", err)
	}

	clock := clockwork.NewRealClock()

	instagram, err := api.NewInstagram(api.Options{})
	if err != nil {
		return fmt.Errorf("create instagram client: %w", err)
	}
	if err := instagram.Login(ctx, cfg.InstagramUsername, cfg.InstagramPassword); err != nil {
		monitoring.LogWarn(monitoring.LogEntry{Action: "instagram_login", Error: err,
			ExtraData: map[string]interface{}{"note": "story downloads unavailable"}})
	}

	downloads, err := download.NewService(download.Options{
		Directory:    cfg.DownloadDirectory,
		MaxSize:      cfg.MaxDownloadSize,
		AllowedTypes: cfg.AllowedMediaTypes,
		Retention:    cfg.DownloadRetention,
		UserAgent:    api.DefaultUserAgent,
		Clock:        clock,
		Recorder:     store,
	})
	if err != nil {
		return fmt.Errorf("create download service: %w", err)
	}

	myBot, err := bot.NewBot(bot.Deps{
		API:        tg,
		Storage:    store,
		Security:   sec,
		Limiter:    ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window, cfg.RateLimit.BlockDuration, clock),
		Instagram:  instagram,
		Downloader: downloads,
		Config:     cfg,
		Clock:      clock,
	})
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}

	updates, webhookUpdates, err := updateSource(tg, cfg)
	if err != nil {
		return err
	}

	srv, err := server.NewServer(server.Options{
		Addr:         cfg.ListenAddr(),
		WebhookToken: webhookToken(cfg),
		Updates:      webhookUpdates,
		HealthChecks: []server.HealthCheck{
			{Name: "database", Check: store.Ping},
			{Name: "downloads", Check: func(context.Context) error { return downloads.HealthCheck() }},
		},
	})
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		myBot.Start(gctx, updates)
		return nil
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		if webhookUpdates == nil {
			tg.StopReceivingUpdates()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return downloads.Run(gctx, cleanupInterval)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// updateSource registers the webhook when WEBHOOK_URL is set and falls back to
// long polling otherwise. The second channel is non-nil only for webhooks.
func updateSource(tg *tgbotapi.BotAPI, cfg *config.Config) (<-chan tgbotapi.Update, chan tgbotapi.Update, error) {
	if cfg.WebhookURL == "" {
		if _, err := tg.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
			monitoring.LogWarn(monitoring.LogEntry{Action: "delete_webhook", Error: err})
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = pollTimeout
		return tg.GetUpdatesChan(u), nil, nil
	}

	link := strings.TrimRight(cfg.WebhookURL, "/") + "/webhook/" + webhookToken(cfg)
	wh, err := tgbotapi.NewWebhook(link)
	if err != nil {
		return nil, nil, fmt.Errorf("build webhook: %w", err)
	}
	if _, err := tg.Request(wh); err != nil {
		return nil, nil, fmt.Errorf("register webhook: %w", err)
	}
	monitoring.Logger().WithField("port", cfg.Port).Info("webhook registered")

	ch := make(chan tgbotapi.Update, tg.Buffer)
	return ch, ch, nil
}

func webhookToken(cfg *config.Config) string {
	if cfg.WebhookURL == "" {
		return ""
	}
	return cfg.TelegramToken
}
