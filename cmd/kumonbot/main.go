package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/api"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/cache"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/classifier"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/delivery"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/genai"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/lockfile"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/messaging"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/planner"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/routing"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/scheduler"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/store"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/turn"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/twiliowhatsapp"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/util"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for receptionist state data
	DefaultStateDir = "/var/lib/kumonbot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "kumonbot.db"
	// DefaultSweeperInterval is how often the outbox sweeper polls for backlog
	DefaultSweeperInterval = 30 * time.Second
	// DefaultOutboxRetention is how long settled outbox entries are kept
	DefaultOutboxRetention = 30 * 24 * time.Hour
	// outboxPurgeSchedule runs the retention purge nightly at 03:30
	outboxPurgeSchedule = "30 3 * * *"
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
		slog.Error("Receptionist failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Receptionist exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL     string
	WhatsAppDSN     string
	StateDir        string
	OpenAIKey       string
	APIAddr         string
	ChannelProvider string
	DebugLogging    bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput        *string
	numeric         *bool
	stateDir        *string
	dbDSN           *string
	whatsappDSN     *string
	openaiKey       *string
	apiAddr         *string
	channelProvider *string
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("KUMONBOT_DEBUG", false) {
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
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		WhatsAppDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:        os.Getenv("KUMONBOT_STATE_DIR"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		APIAddr:         os.Getenv("API_ADDR"),
		ChannelProvider: os.Getenv("CHANNEL_PROVIDER"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, "whatsmeow.db")
	}
	if config.ChannelProvider == "" {
		config.ChannelProvider = "twilio"
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"KUMONBOT_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"CHANNEL_PROVIDER", config.ChannelProvider)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:        flag.String("qr-output", "", "path to write login QR code (whatsmeow provider only)"),
		numeric:         flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:        flag.String("state-dir", config.StateDir, "state directory for receptionist data (overrides $KUMONBOT_STATE_DIR)"),
		dbDSN:           flag.String("db-dsn", config.DatabaseURL, "database DSN for conversation and outbox storage (overrides $DATABASE_URL)"),
		whatsappDSN:     flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the whatsmeow session store (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:       flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:         flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		channelProvider: flag.String("channel-provider", config.ChannelProvider, "message channel provider: twilio or whatsmeow (overrides $CHANNEL_PROVIDER)"),
	}
	flag.Parse()

	// Follow an overridden state directory when the DSN kept its default.
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if strings.Contains(*flags.dbDSN, "postgres://") || strings.Contains(*flags.dbDSN, "host=") {
		return nil
	}
	stateDir := filepath.Dir(*flags.dbDSN)
	return os.MkdirAll(stateDir, 0755)
}

// buildStore opens the durable store matching the DSN type.
func buildStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Info("Using PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Info("Using SQLite store", "path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildMessagingService selects the channel provider implementation.
func buildMessagingService(flags Flags) (messaging.Service, error) {
	switch *flags.channelProvider {
	case "whatsmeow":
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(*flags.whatsappDSN)}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		waClient, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, err
		}
		return messaging.NewWhatsAppService(waClient), nil
	default:
		twilioClient, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, err
		}
		return messaging.NewTwilioService(twilioClient), nil
	}
}

func run(flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Error("Failed to release state directory lock", "error", err)
		}
	}()

	st, err := buildStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	ttlCache := cache.New()
	defer ttlCache.Close()

	msgService, err := buildMessagingService(flags)
	if err != nil {
		return err
	}
	defer func() {
		if err := msgService.Stop(); err != nil {
			slog.Error("Failed to stop messaging service", "error", err)
		}
	}()

	// The classifier and generator are best-effort: without an API key the
	// pipeline routes on pattern confidence and template replies alone.
	var intentClassifier api.IntentClassifier
	var generator planner.Generator
	if *flags.openaiKey != "" {
		cls, err := classifier.NewClient(classifier.WithAPIKey(*flags.openaiKey))
		if err != nil {
			return err
		}
		intentClassifier = cls
		gen, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
		if err != nil {
			return err
		}
		generator = gen
	} else {
		slog.Warn("No OpenAI API key configured; running in pattern-only mode")
	}

	controller := turn.NewController(ttlCache, turn.DefaultConfig())
	controller.Use(turn.LoggingMiddleware())

	worker := delivery.NewWorker(st, ttlCache, msgService, controller, delivery.DefaultConfig())
	sweeper := delivery.NewSweeper(worker, DefaultSweeperInterval)
	if err := sweeper.RecoverStaleEntries(); err != nil {
		slog.Error("Startup recovery failed", "error", err)
	}

	cronScheduler := scheduler.NewScheduler()
	defer cronScheduler.Stop()
	if err := cronScheduler.AddJob(outboxPurgeSchedule, func() {
		cutoff := time.Now().Add(-DefaultOutboxRetention)
		if n, err := st.PurgeSettledBefore(cutoff); err != nil {
			slog.Error("Outbox retention purge failed", "error", err)
		} else if n > 0 {
			slog.Info("Outbox retention purge completed", "purged", n)
		}
	}); err != nil {
		return err
	}

	pipeline := api.NewPipeline(
		controller,
		routing.NewEngine(routing.DefaultConfig()),
		intentClassifier,
		planner.NewPlanner(generator),
		worker,
		st,
	)

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(pipeline, st, msgService, apiOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := msgService.Start(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		server.EventLoop(ctx)
	}()

	slog.Info("Receptionist started", "provider", *flags.channelProvider)
	err = server.Run(ctx)
	stop()
	wg.Wait()
	return err
}
