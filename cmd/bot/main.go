package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hypnos-tgbot-go/internal/config"
	"github.com/hypnos-tgbot-go/internal/dispatcher"
	"github.com/hypnos-tgbot-go/internal/gateway"
	"github.com/hypnos-tgbot-go/internal/i18n"
	"github.com/hypnos-tgbot-go/internal/middleware"
	"github.com/hypnos-tgbot-go/internal/parser"
	"github.com/hypnos-tgbot-go/internal/scheduler"
	"github.com/hypnos-tgbot-go/internal/services/ai"
	"github.com/hypnos-tgbot-go/internal/services/conversation"
	"github.com/hypnos-tgbot-go/internal/services/ledger"
	"github.com/hypnos-tgbot-go/internal/services/traffic"
	"github.com/hypnos-tgbot-go/pkg/logger"
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type options struct {
	Config string `short:"c" long:"config" default:"configs/config.yaml" description:"Path to configuration file"`
	Env    string `short:"e" long:"env" default:".env" description:"Path to .env file"`
}

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	// Load .env file if exists
	if err := godotenv.Load(opts.Env); err != nil {
		// It's okay if .env doesn't exist
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	// Load configuration
	cfg, err := config.LoadConfig(opts.Config)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("Bot stopped with error")
		os.Exit(1)
	}
	log.Info("Bot stopped")
}

func run(cfg *config.Config, log *logrus.Logger) error {
	log.Info("Starting Telegram Bot...")

	// Initialize bot
	bot, err := tgbotapi.NewBotAPI(cfg.Bot.Token)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	bot.Debug = cfg.Logging.Level == "debug"
	log.WithField("username", bot.Self.UserName).Info("Bot authorized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := middleware.NewMetrics()
	if cfg.Monitoring.Metrics.Enabled {
		go func() {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")

			if err := middleware.StartMetricsServer(ctx, cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		return fmt.Errorf("failed to initialize i18n: %w", err)
	}

	accounts, err := ledger.New(&cfg.Ledger, log)
	if err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}
	defer accounts.Close()

	limiter := middleware.NewLimiter(&cfg.RateLimit, log)
	client := ai.NewClient(ai.NewOpenAI(&cfg.Models, log), limiter, cfg.Retry, metrics, log)
	store := conversation.NewStore(conversation.Options{
		MaxTurns:    cfg.Context.MaxTurns,
		MaxInFlight: cfg.Dispatcher.MaxInFlight,
	}, log)

	gw := gateway.NewTelegram(bot, bot.Self, log)
	d := dispatcher.NewDispatcher(
		cfg,
		parser.New(bot.Self.UserName, cfg.Bot.MentionWords),
		store,
		client,
		accounts,
		traffic.NewTracker(&cfg.Traffic, log),
		localizer,
		gw,
		metrics,
		log,
	)

	sweeper := scheduler.NewSweeper(cfg.Context.SweepCron, cfg.Context.IdleTTL, store, metrics, log, limiter)
	go sweeper.Run(ctx)

	updates, err := listen(bot, cfg, log)
	if err != nil {
		return err
	}

	err = d.Run(ctx, gw.Events(ctx, updates))
	if errors.Is(err, dispatcher.ErrGatewayClosed) {
		d.Shutdown(context.Background())
	}
	log.Info("Shutdown signal received, cleaning up")

	// Cleanup
	if cfg.Bot.Webhook.Enabled {
		if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
			log.WithError(err).Error("Failed to delete webhook")
		}
	} else {
		bot.StopReceivingUpdates()
	}
	return err
}

// listen starts receiving updates through a webhook or long polling
func listen(bot *tgbotapi.BotAPI, cfg *config.Config, log *logrus.Logger) (tgbotapi.UpdatesChannel, error) {
	if !cfg.Bot.Webhook.Enabled {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = cfg.Bot.UpdateTimeout
		u.AllowedUpdates = []string{tgbotapi.UpdateTypeMessage, tgbotapi.UpdateTypeMyChatMember}
		log.Info("Using long polling")
		return bot.GetUpdatesChan(u), nil
	}

	webhookURL := fmt.Sprintf("%s/%s", cfg.Bot.Webhook.URL, bot.Token)
	webhook, err := tgbotapi.NewWebhook(webhookURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook: %w", err)
	}
	webhook.AllowedUpdates = []string{tgbotapi.UpdateTypeMessage, tgbotapi.UpdateTypeMyChatMember}
	if _, err := bot.Request(webhook); err != nil {
		return nil, fmt.Errorf("failed to set webhook: %w", err)
	}

	updates := bot.ListenForWebhook("/" + bot.Token)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Bot.Webhook.Port)
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.WithError(err).Error("Webhook server failed")
		}
	}()
	log.WithField("port", cfg.Bot.Webhook.Port).Info("Webhook set")
	return updates, nil
}
