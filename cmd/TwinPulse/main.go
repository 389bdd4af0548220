package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/MirrorGraph/TwinPulse/internal/api"
	"github.com/MirrorGraph/TwinPulse/internal/engine"
	"github.com/MirrorGraph/TwinPulse/internal/insight"
	"github.com/MirrorGraph/TwinPulse/internal/lockfile"
	"github.com/MirrorGraph/TwinPulse/internal/messaging"
	"github.com/MirrorGraph/TwinPulse/internal/models"
	"github.com/MirrorGraph/TwinPulse/internal/store"
	"github.com/MirrorGraph/TwinPulse/internal/syncer"
	"github.com/MirrorGraph/TwinPulse/internal/twiliosms"
	"github.com/MirrorGraph/TwinPulse/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TwinPulse state data
	DefaultStateDir = "/var/lib/twinpulse"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "twinpulse.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Only one instance may own a state directory
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	slog.Info("Bootstrapping TwinPulse with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)
	if err := run(config, flags); err != nil {
		slog.Error("TwinPulse failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("TwinPulse exited successfully")
}

// run wires the modules together and blocks until shutdown.
func run(config Config, flags Flags) error {
	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	directory := parseContactDirectory(config.Contacts)

	// Dashboard feed is the default delivery path for both notifications
	// and proactive conversations.
	dashboard := messaging.NewDashboardSink()
	defer dashboard.Stop()

	var connectors []syncer.Connector
	var waClient *whatsapp.Client
	var waSink *messaging.WhatsAppSink
	if *flags.whatsappDSN != "" {
		waClient, err = whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return err
		}
		defer waClient.Disconnect()
		waSink = messaging.NewWhatsAppSink(waClient, directory)
		defer waSink.Stop()

		waConnector := syncer.NewWhatsAppConnector(directory)
		waConnector.Attach(waClient)
		connectors = append(connectors, waConnector)
		slog.Info("WhatsApp channel enabled")
	} else {
		slog.Debug("No WhatsApp DSN configured, channel disabled")
	}

	var smsSink *messaging.SMSSink
	if config.TwilioSID != "" && config.TwilioToken != "" && config.TwilioFrom != "" {
		smsClient, err := twiliosms.NewClient(
			twiliosms.WithAccountSID(config.TwilioSID),
			twiliosms.WithAuthToken(config.TwilioToken),
			twiliosms.WithFromNumber(config.TwilioFrom),
		)
		if err != nil {
			return err
		}
		smsSink = messaging.NewSMSSink(smsClient, directory)
		defer smsSink.Stop()
		slog.Info("Twilio SMS channel enabled")
	} else {
		slog.Debug("Twilio credentials not configured, SMS channel disabled")
	}

	// The orchestrator feeds fetched signals back into the engine; the
	// engine is created after it, so the handler closes over a late-bound
	// pointer.
	var eng *engine.Engine
	orch := syncer.NewOrchestrator(connectors, syncer.WithSignalHandler(
		func(userID string, signals []models.RawSignal) {
			if eng == nil {
				return
			}
			if _, err := eng.IngestSignals(context.Background(), userID, signals); err != nil {
				slog.Error("Failed to ingest synced signals", "userID", userID, "error", err)
			}
		}))

	eng, err = engine.NewEngine(
		engine.WithStore(st),
		engine.WithNotificationSink(dashboard),
		engine.WithMessageSink(dashboard),
		engine.WithInsightSource(buildInsightSource(flags)),
		engine.WithSyncQueue(orch),
	)
	if err != nil {
		return err
	}
	if smsSink != nil {
		eng.Executor().RegisterChannelSink("sms", smsSink)
	}
	if waSink != nil {
		eng.Executor().RegisterChannelSink("whatsapp", waSink)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch.Start(ctx)
	defer orch.Stop()
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Shutdown()

	serverOpts := []api.Option{api.WithSyncStatusReader(orch)}
	if *flags.apiAddr != "" {
		serverOpts = append(serverOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(eng, serverOpts...)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Run() }()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}
	return server.Shutdown()
}

// Config holds environment configuration
type Config struct {
	WhatsAppDSN string
	DatabaseURL string
	StateDir    string
	OpenAIKey   string
	APIAddr     string
	Contacts    string
	TwilioSID   string
	TwilioToken string
	TwilioFrom  string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput    *string
	numeric     *bool
	stateDir    *string
	dbDSN       *string
	whatsappDSN *string
	openaiKey   *string
	apiAddr     *string
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
		WhatsAppDSN: os.Getenv("WHATSAPP_DB_DSN"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("TWINPULSE_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		APIAddr:     os.Getenv("API_ADDR"),
		Contacts:    os.Getenv("TWINPULSE_CONTACTS"),
		TwilioSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken: os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:  os.Getenv("TWILIO_FROM_NUMBER"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No TWINPULSE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("TWINPULSE_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"TWINPULSE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"TWINPULSE_CONTACTS_SET", config.Contacts != "",
		"TWILIO_CONFIGURED", config.TwilioSID != "" && config.TwilioToken != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:    flag.String("qr-output", "", "path to write login QR code"),
		numeric:     flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for TwinPulse data (overrides $TWINPULSE_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN for the TwinPulse store (overrides $DATABASE_URL)"),
		whatsappDSN: flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the WhatsApp session store (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"whatsappDSN_set", *flags.whatsappDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", *flags.stateDir)
		return err
	}
	// Ensure the database directory exists if we're using a file-based DSN
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		dbDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating directory for file-based database", "db_dir", dbDir)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			slog.Error("Failed to create database directory", "error", err, "db_dir", dbDir)
			return err
		}
	}
	return nil
}

// buildStore opens the persistence backend matching the configured DSN.
func buildStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		return store.NewPostgresStore(store.WithDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithDSN(*flags.dbDSN))
}

// buildInsightSource selects OpenAI-backed analysis when a key is
// configured and falls back to the keyword heuristics otherwise.
func buildInsightSource(flags Flags) insight.Source {
	if *flags.openaiKey != "" {
		client, err := insight.NewClient(insight.WithAPIKey(*flags.openaiKey))
		if err == nil {
			slog.Info("OpenAI insight source enabled")
			return client
		}
		slog.Warn("Failed to initialize OpenAI insight source, falling back to heuristics", "error", err)
	}
	slog.Debug("Using heuristic insight source")
	return insight.NewHeuristicSource()
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	return waOpts
}

// parseContactDirectory parses "user=address" pairs separated by commas
// into the recipient directory used by the SMS and WhatsApp channels.
func parseContactDirectory(raw string) messaging.StaticDirectory {
	directory := messaging.StaticDirectory{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		userID, addr, found := strings.Cut(pair, "=")
		userID = strings.TrimSpace(userID)
		addr = strings.TrimSpace(addr)
		if !found || userID == "" || addr == "" {
			slog.Warn("Skipping malformed contact entry", "entry", pair)
			continue
		}
		directory[userID] = addr
	}
	slog.Debug("Contact directory loaded", "entries", len(directory))
	return directory
}
