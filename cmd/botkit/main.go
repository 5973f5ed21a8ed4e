package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/howdyai/botkit-sub002/internal/adapter/console"
	slackadapter "github.com/howdyai/botkit-sub002/internal/adapter/slack"
	"github.com/howdyai/botkit-sub002/internal/adapter/twiliosms"
	"github.com/howdyai/botkit-sub002/internal/adapter/whatsapp"
	"github.com/howdyai/botkit-sub002/internal/bot"
	"github.com/howdyai/botkit-sub002/internal/convo"
	"github.com/howdyai/botkit-sub002/internal/dialog"
	"github.com/howdyai/botkit-sub002/internal/models"
	"github.com/howdyai/botkit-sub002/internal/pattern"
	"github.com/howdyai/botkit-sub002/internal/storage"
	"github.com/howdyai/botkit-sub002/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for bot state data
	DefaultStateDir = "/var/lib/botkit"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "botkit.db"
	// DefaultWebhookAddr is the default listen address for webhook-driven adapters
	DefaultWebhookAddr = ":8080"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	if err := run(flags); err != nil {
		slog.Error("Bot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Bot exited successfully")
}

// Config holds environment configuration
type Config struct {
	Adapter     string
	DatabaseURL string
	StateDir    string
	WebhookAddr string
	Timeout     time.Duration
	Tick        time.Duration
	Debug       bool
}

// Flags holds command line flag values
type Flags struct {
	adapter     *string
	dbDSN       *string
	stateDir    *string
	webhookAddr *string
	timeout     *time.Duration
	tick        *time.Duration
	qrOutput    *string
	numeric     *bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("BOTKIT_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		Adapter:     util.GetEnv("BOTKIT_ADAPTER", "console"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    util.GetEnv("BOTKIT_STATE_DIR", DefaultStateDir),
		WebhookAddr: util.GetEnv("BOTKIT_WEBHOOK_ADDR", DefaultWebhookAddr),
		Timeout:     util.ParseDurationEnv("BOTKIT_CONVERSATION_TIMEOUT", models.DefaultConversationTimeout),
		Tick:        util.ParseDurationEnv("BOTKIT_TICK_INTERVAL", models.DefaultTickInterval),
	}
	slog.Debug("Environment configuration loaded", "adapter", config.Adapter, "dsn_set", config.DatabaseURL != "", "state_dir", config.StateDir)
	return config
}

// parseCommandLineFlags parses flags with environment values as defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		adapter:     flag.String("adapter", config.Adapter, "platform adapter: console, slack, twilio-sms, whatsapp"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database connection string (Postgres URL or SQLite path); empty uses in-memory storage"),
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for local databases"),
		webhookAddr: flag.String("webhook-addr", config.WebhookAddr, "listen address for webhook-driven adapters"),
		timeout:     flag.Duration("timeout", config.Timeout, "conversation inactivity timeout"),
		tick:        flag.Duration("tick", config.Tick, "timeout sweep interval; 0 disables the sweeper"),
		qrOutput:    flag.String("qr-output", "", "file to write the WhatsApp login QR code to (default stdout)"),
		numeric:     flag.Bool("numeric-code", false, "use a numeric WhatsApp login code instead of a QR code"),
	}
	flag.Parse()
	return flags
}

// ensureDirectoriesExist creates the state directory when local storage needs it
func ensureDirectoriesExist(flags Flags) error {
	if *flags.dbDSN != "" && storage.DetectDSNType(*flags.dbDSN) == "postgres" {
		return nil
	}
	if err := os.MkdirAll(*flags.stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", *flags.stateDir, err)
	}
	return nil
}

// buildStore selects the persistence backend from the DSN
func buildStore(flags Flags) (storage.Store, error) {
	dsn := *flags.dbDSN
	if dsn == "" {
		slog.Info("No database DSN provided, using in-memory storage")
		return storage.NewMemoryStore(), nil
	}
	switch storage.DetectDSNType(dsn) {
	case "postgres":
		slog.Info("Using Postgres storage")
		return storage.NewPostgresStore(storage.WithDSN(dsn))
	default:
		slog.Info("Using SQLite storage", "path", dsn)
		return storage.NewSQLiteStore(storage.WithDSN(dsn))
	}
}

// buildAdapter constructs the selected platform adapter
func buildAdapter(flags Flags) (bot.Adapter, error) {
	switch *flags.adapter {
	case "console":
		return console.New(), nil
	case "slack":
		return slackadapter.New()
	case "twilio-sms":
		return twiliosms.New()
	case "whatsapp":
		opts := []whatsapp.Option{
			whatsapp.WithDBDSN(filepath.Join(*flags.stateDir, "whatsmeow.db")),
		}
		if *flags.qrOutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		return whatsapp.New(opts...)
	default:
		return nil, fmt.Errorf("unknown adapter: %s", *flags.adapter)
	}
}

func run(flags Flags) error {
	store, err := buildStore(flags)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	adapter, err := buildAdapter(flags)
	if err != nil {
		return fmt.Errorf("failed to initialize adapter: %w", err)
	}

	controller := bot.New(adapter,
		bot.WithStore(store),
		bot.WithDefaultTimeout(*flags.timeout),
		bot.WithTickInterval(*flags.tick),
	)
	if err := registerBehavior(controller); err != nil {
		return fmt.Errorf("failed to register bot behavior: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := controller.Start(ctx); err != nil {
		return err
	}
	defer controller.Stop()

	if sms, ok := adapter.(*twiliosms.Adapter); ok {
		go serveWebhook(ctx, *flags.webhookAddr, sms.WebhookHandler())
	}

	slog.Info("Bot running", "adapter", adapter.Name(), "press", "Ctrl+C to exit")
	<-ctx.Done()
	return nil
}

// serveWebhook runs the HTTP listener for webhook-driven adapters until the
// context is cancelled.
func serveWebhook(ctx context.Context, addr string, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/webhook/sms", handler)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	slog.Info("Webhook server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("Webhook server stopped", "error", err)
	}
}

// registerBehavior wires the demo routes and dialogs: a greeting route, an
// echo fallback, and a two-level onboarding dialog started by "talk".
func registerBehavior(c *bot.Controller) error {
	if err := registerDialogs(c); err != nil {
		return err
	}

	err := c.Hears([]string{"^(hi|hello|hey)$"}, models.TypeDirectMessage+","+models.TypeDirectMention,
		func(ctx context.Context, ctrl *bot.Controller, msg models.Message) error {
			_, err := ctrl.Reply(ctx, msg, fmt.Sprintf("Hello! Say %q to start onboarding.", "talk"))
			return err
		})
	if err != nil {
		return err
	}

	err = c.Hears([]string{"^talk$"}, models.TypeDirectMessage,
		func(ctx context.Context, ctrl *bot.Controller, msg models.Message) error {
			return ctrl.BeginDialog(ctx, "onboarding", msg)
		})
	if err != nil {
		return err
	}

	c.On(models.EventConversationEnded, func(event string, payload any) {
		conv, ok := payload.(*convo.Conversation)
		if !ok {
			return
		}
		slog.Info("Conversation ended",
			"conversation", conv.ID(),
			"status", conv.Status(),
			"successful", conv.Successful(),
			"responses", conv.ExtractResponses())
	})
	return nil
}

// registerDialogs builds the onboarding dialog: a direction question that
// branches to a left or right thread, each of which runs the color child
// dialog before finishing.
func registerDialogs(c *bot.Controller) error {
	color := dialog.New("color")
	color.Ask("What is your favorite color?", []convo.Handler{
		convo.OnDefault(),
	}, "color")

	if err := c.AddDialog(color); err != nil {
		return err
	}

	onboarding := dialog.New("onboarding")
	onboarding.Say("Welcome aboard!")
	onboarding.Ask("Left or right?", []convo.Handler{
		{Pattern: pattern.Literal("left"), Action: convo.ActionGoto, Thread: "left"},
		{Pattern: pattern.Literal("right"), Action: convo.ActionGoto, Thread: "right"},
		{Pattern: pattern.Literal("quit"), Action: convo.ActionStop},
		{Pattern: pattern.Default(), Action: convo.ActionRepeat},
	}, "direction")
	onboarding.AddMessage("Left it is.", "left")
	onboarding.AddChildDialog("color", "preferences", "left")
	onboarding.AddMessage("All set, thanks {{vars.direction}} fan!", "left")
	onboarding.AddMessage("Right it is.", "right")
	onboarding.AddChildDialog("color", "preferences", "right")
	onboarding.AddMessage("All set, thanks {{vars.direction}} fan!", "right")

	return c.AddDialog(onboarding)
}
