package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flowdesk/DripFlow/internal/api"
	"github.com/flowdesk/DripFlow/internal/models"
	"github.com/flowdesk/DripFlow/internal/store"
	"github.com/flowdesk/DripFlow/internal/twiliowhatsapp"
	"github.com/flowdesk/DripFlow/internal/util"
	"github.com/flowdesk/DripFlow/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for DripFlow state data
	DefaultStateDir = "/var/lib/dripflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "dripflow.db"
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

	// Build module options
	waOpts := buildWhatsAppOptions(flags)
	twilioOpts := buildTwilioOptions(flags)
	storeOpts := buildStoreOptions(flags)
	apiOpts := buildAPIOptions(flags)

	// Start the service
	slog.Info("Bootstrapping DripFlow with configured modules")
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "twilio", len(twilioOpts), "store", len(storeOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)
	if err := api.Run(waOpts, twilioOpts, storeOpts, apiOpts); err != nil {
		slog.Error("DripFlow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("DripFlow exited successfully")
}

// Config holds environment configuration
type Config struct {
	WhatsAppDSN    string
	DatabaseURL    string
	StateDir       string
	APIAddr        string
	DefaultChannel string
	PollInterval   time.Duration
	TwilioSID      string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput       *string
	numeric        *bool
	stateDir       *string
	dbDSN          *string
	apiAddr        *string
	defaultChannel *string
	pollInterval   *time.Duration
	twilio         *bool
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
		WhatsAppDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		StateDir:       os.Getenv("DRIPFLOW_STATE_DIR"),
		APIAddr:        os.Getenv("API_ADDR"),
		DefaultChannel: os.Getenv("DEFAULT_CHANNEL"),
		PollInterval:   util.ParseDurationEnv("POLL_INTERVAL", 0),
		TwilioSID:      os.Getenv("TWILIO_ACCOUNT_SID"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No DRIPFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("DRIPFLOW_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// Default to WhatsApp DSN if specific not set
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = config.DatabaseURL
		if config.DatabaseURL != "" {
			slog.Debug("Using DATABASE_URL as WHATSAPP_DB_DSN", "dsn_set", true)
		}
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDSN)
	}

	slog.Debug("environment variables loaded",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"DRIPFLOW_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"DEFAULT_CHANNEL", config.DefaultChannel,
		"POLL_INTERVAL", config.PollInterval,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:       flag.String("qr-output", "", "path to write login QR code"),
		numeric:        flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:       flag.String("state-dir", config.StateDir, "state directory for DripFlow data (overrides $DRIPFLOW_STATE_DIR)"),
		dbDSN:          flag.String("db-dsn", config.WhatsAppDSN, "database DSN for WhatsApp and the execution store (overrides $WHATSAPP_DB_DSN or $DATABASE_URL)"),
		apiAddr:        flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		defaultChannel: flag.String("default-channel", config.DefaultChannel, "delivery channel for conversations that do not name one (overrides $DEFAULT_CHANNEL)"),
		pollInterval:   flag.Duration("poll-interval", config.PollInterval, "due-work scan interval (overrides $POLL_INTERVAL)"),
		twilio:         flag.Bool("twilio", config.TwilioSID != "", "enable the Twilio WhatsApp channel (defaults on when $TWILIO_ACCOUNT_SID is set)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"defaultChannel", *flags.defaultChannel,
		"pollInterval", *flags.pollInterval,
		"twilio", *flags.twilio)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.WhatsAppDSN && config.WhatsAppDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	// Ensure state directory exists if we're using a file-based DSN
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
		slog.Debug("State directory created successfully", "state_dir", stateDir)
	}
	return nil
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
	if *flags.dbDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.dbDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio configuration options. The
// twiliowhatsapp package falls back to TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN
// and TWILIO_FROM_NUMBER when an option is absent.
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	var twilioOpts []twiliowhatsapp.Option
	if sid := os.Getenv("TWILIO_ACCOUNT_SID"); sid != "" {
		twilioOpts = append(twilioOpts, twiliowhatsapp.WithAccountSID(sid))
	}
	if token := os.Getenv("TWILIO_AUTH_TOKEN"); token != "" {
		twilioOpts = append(twilioOpts, twiliowhatsapp.WithAuthToken(token))
	}
	if from := os.Getenv("TWILIO_FROM_NUMBER"); from != "" {
		twilioOpts = append(twilioOpts, twiliowhatsapp.WithFromWhats(from))
	}
	return twilioOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		// Check if it's a PostgreSQL DSN using the shared detection function
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			// Assume SQLite for file paths
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.pollInterval > 0 {
		apiOpts = append(apiOpts, api.WithPollInterval(*flags.pollInterval))
	}
	if *flags.defaultChannel != "" {
		apiOpts = append(apiOpts, api.WithDefaultChannel(models.ChannelType(*flags.defaultChannel)))
	}
	if retention := util.ParseDurationEnv("PURGE_RETENTION", 0); retention > 0 {
		apiOpts = append(apiOpts, api.WithPurgeRetention(retention))
	}
	if *flags.twilio {
		apiOpts = append(apiOpts, api.WithTwilio())
	}
	return apiOpts
}
