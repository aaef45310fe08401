package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BTreeMap/ShopFlow/internal/admin"
	"github.com/BTreeMap/ShopFlow/internal/api"
	"github.com/BTreeMap/ShopFlow/internal/commerce"
	"github.com/BTreeMap/ShopFlow/internal/convo"
	"github.com/BTreeMap/ShopFlow/internal/dispatch"
	"github.com/BTreeMap/ShopFlow/internal/genai"
	"github.com/BTreeMap/ShopFlow/internal/lockfile"
	"github.com/BTreeMap/ShopFlow/internal/messaging"
	"github.com/BTreeMap/ShopFlow/internal/profile"
	"github.com/BTreeMap/ShopFlow/internal/registration"
	"github.com/BTreeMap/ShopFlow/internal/scheduler"
	"github.com/BTreeMap/ShopFlow/internal/store"
	"github.com/BTreeMap/ShopFlow/internal/twiliowhatsapp"
	"github.com/BTreeMap/ShopFlow/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ShopFlow state data
	DefaultStateDir = "/var/lib/shopflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "shopflow.db"
	// DefaultOutboxPollInterval is how often the outbox sender polls
	DefaultOutboxPollInterval = 5 * time.Second
	// DefaultSyncPollInterval is how often the sync job runner polls
	DefaultSyncPollInterval = 10 * time.Second
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags, config); err != nil {
		slog.Error("ShopFlow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ShopFlow exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL      string
	StateDir         string
	OpenAIKey        string
	APIAddr          string
	MessagingBackend string
	BotPhone         string
	WhatsAppDSN      string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
}

// Flags holds command line flag values
type Flags struct {
	stateDir  *string
	dbDSN     *string
	openaiKey *string
	apiAddr   *string
	backend   *string
	botPhone  *string
	waDSN     *string
	qrOutput  *string
	numeric   *bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
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
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StateDir:         os.Getenv("SHOPFLOW_STATE_DIR"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		APIAddr:          os.Getenv("API_ADDR"),
		MessagingBackend: os.Getenv("MESSAGING_BACKEND"),
		BotPhone:         os.Getenv("BOT_PHONE"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_WHATSAPP_FROM"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No SHOPFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.MessagingBackend == "" {
		config.MessagingBackend = "whatsmeow"
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"SHOPFLOW_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"MESSAGING_BACKEND", config.MessagingBackend,
		"BOT_PHONE_SET", config.BotPhone != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for ShopFlow data (overrides $SHOPFLOW_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "database DSN for the ShopFlow store (overrides $DATABASE_URL)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for the AI classifier (overrides $OPENAI_API_KEY)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		backend:   flag.String("messaging-backend", config.MessagingBackend, "messaging transport: whatsmeow or twilio (overrides $MESSAGING_BACKEND)"),
		botPhone:  flag.String("bot-phone", config.BotPhone, "bot phone number used for tenant resolution (overrides $BOT_PHONE)"),
		waDSN:     flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)"),
		qrOutput:  flag.String("qr-output", "", "path to write login QR code"),
		numeric:   flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"backend", *flags.backend,
		"botPhone_set", *flags.botPhone != "")

	return flags
}

// buildStore opens the backend matching the DSN type.
func buildStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildMessaging constructs the selected transport.
func buildMessaging(flags Flags, config Config) (messaging.Service, error) {
	if *flags.backend == "twilio" {
		var twOpts []twiliowhatsapp.Option
		if config.TwilioSID != "" {
			twOpts = append(twOpts, twiliowhatsapp.WithAccountSID(config.TwilioSID))
		}
		if config.TwilioToken != "" {
			twOpts = append(twOpts, twiliowhatsapp.WithAuthToken(config.TwilioToken))
		}
		if config.TwilioFrom != "" {
			twOpts = append(twOpts, twiliowhatsapp.WithFromWhats(config.TwilioFrom))
		}
		client, err := twiliowhatsapp.NewClient(twOpts...)
		if err != nil {
			return nil, err
		}
		return messaging.NewTwilioService(client, *flags.botPhone), nil
	}

	var waOpts []whatsapp.Option
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	client, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, err
	}
	return messaging.NewWhatsAppService(client, *flags.botPhone), nil
}

func run(flags Flags, config Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One instance per state directory.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := buildStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	msgService, err := buildMessaging(flags, config)
	if err != nil {
		return err
	}

	var classifier dispatch.Classifier
	if *flags.openaiKey != "" {
		gaClient, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
		if err != nil {
			slog.Warn("AI classifier unavailable, continuing with rules only", "error", err)
		} else {
			classifier = gaClient
		}
	} else {
		slog.Info("No OpenAI API key configured, AI classification disabled")
	}

	convoStore := convo.NewStore(st)
	guarantor := profile.NewGuarantor(st)
	regManager := registration.NewManager(st, st, msgService)
	adminHandler := admin.NewHandler(st, st, st, msgService)
	commerceHandler := commerce.NewHandler(convoStore, st, st, st, st, msgService)
	dispatcher := dispatch.NewDispatcher(st, st, convoStore, guarantor, regManager, adminHandler, commerceHandler, classifier, msgService)

	// Durable outbox: payloads are {"text": ...} envelopes.
	outboxSender := store.NewOutboxSender(st, func(ctx context.Context, msg store.OutboxMessage) error {
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &payload); err != nil {
			return err
		}
		return msgService.SendMessage(ctx, msg.Phone, payload.Text)
	}, DefaultOutboxPollInterval)
	if err := outboxSender.RecoverStaleMessages(); err != nil {
		slog.Error("Outbox stale recovery failed", "error", err)
	}
	go outboxSender.Run(ctx)

	// Accounting sync jobs.
	syncRunner := store.NewSyncJobRunner(st, DefaultSyncPollInterval)
	syncRunner.RegisterHandler(commerce.SyncJobKindAccounting, commerce.NewAccountingSyncHandler(st, commerce.LogExporter{}))
	syncRunner.RegisterTerminalHandler(commerce.SyncJobKindAccounting, commerce.NewAccountingFailureHandler(st, st, st))
	if err := syncRunner.RecoverStaleJobs(); err != nil {
		slog.Error("Sync job stale recovery failed", "error", err)
	}
	go syncRunner.Run(ctx)

	// Daily subscription expiry reminders for tenant admins.
	cronScheduler := scheduler.NewScheduler()
	defer cronScheduler.Stop()
	if err := cronScheduler.AddJob("0 9 * * *", admin.NewSubscriptionReminder(st, st)); err != nil {
		slog.Error("Failed to schedule subscription reminders", "error", err)
	}

	if err := msgService.Start(ctx); err != nil {
		return err
	}
	go dispatcher.Run(ctx)

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(dispatcher, st, msgService, apiOpts...)
	if err := server.Start(ctx); err != nil {
		return err
	}

	slog.Info("ShopFlow running", "backend", *flags.backend, "classifier_enabled", classifier != nil)
	<-ctx.Done()

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("API shutdown error", "error", err)
	}
	if err := msgService.Stop(); err != nil {
		slog.Error("Messaging stop error", "error", err)
	}
	return nil
}
