package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BTreeMap/WhatsHook/internal/admission"
	"github.com/BTreeMap/WhatsHook/internal/api"
	"github.com/BTreeMap/WhatsHook/internal/config"
	"github.com/BTreeMap/WhatsHook/internal/dedup"
	"github.com/BTreeMap/WhatsHook/internal/extract"
	"github.com/BTreeMap/WhatsHook/internal/ingest"
	"github.com/BTreeMap/WhatsHook/internal/lockfile"
	"github.com/BTreeMap/WhatsHook/internal/messaging"
	"github.com/BTreeMap/WhatsHook/internal/models"
	"github.com/BTreeMap/WhatsHook/internal/queue"
	"github.com/BTreeMap/WhatsHook/internal/store"
	"github.com/BTreeMap/WhatsHook/internal/twiliowhatsapp"
	"github.com/BTreeMap/WhatsHook/internal/util"
	"github.com/BTreeMap/WhatsHook/internal/webhook"
	"github.com/BTreeMap/WhatsHook/internal/whatsapp"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for WhatsHook state data
	DefaultStateDir = "/var/lib/whatshook"
	// DefaultAppDBFileName is the default SQLite database for delivery records
	DefaultAppDBFileName = "whatshook.db"
	// DefaultWhatsAppDBFileName is the default SQLite database for whatsmeow sessions
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	cfg := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], cfg)
	if err != nil {
		os.Exit(2)
	}
	initializeLogger(flags.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping WhatsHook", "state_dir", flags.StateDir, "api_addr", flags.APIAddr, "whatsapp", flags.WhatsAppEnabled)
	if err := run(ctx, flags); err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			fmt.Fprintln(os.Stderr, lockErr.Error())
		}
		slog.Error("WhatsHook failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("WhatsHook exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir        string
	WhatsAppDSN     string
	DatabaseURL     string
	APIAddr         string
	LogLevel        string
	StrictAdmission bool
	FilterEnabled   bool
	MaxAge          time.Duration
	QueueTick       time.Duration
	SweepInterval   time.Duration
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	TwilioToken     string
	TwilioPublicURL string
	WebhookFile     string
	InjectEnabled   bool
	WhatsAppEnabled bool
}

// Flags holds the effective settings after command line overrides
type Flags struct {
	Config
	qrOutput string
	numeric  bool
}

// initializeLogger sets up structured logging at the requested level
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	cfg := Config{
		StateDir:        os.Getenv("WHATSHOOK_STATE_DIR"),
		WhatsAppDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		APIAddr:         os.Getenv("API_ADDR"),
		LogLevel:        os.Getenv("LOG_LEVEL"),
		StrictAdmission: util.ParseBoolEnv("STRICT_ADMISSION", true),
		FilterEnabled:   util.ParseBoolEnv("ADMISSION_FILTER_ENABLED", true),
		QueueTick:       util.ParseMillisEnv("QUEUE_TICK_MS", queue.DefaultTickInterval),
		SweepInterval:   util.ParseMillisEnv("SWEEP_INTERVAL_MS", 30*time.Second),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         util.ParseIntEnv("REDIS_DB", 0),
		TwilioToken:     os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioPublicURL: os.Getenv("TWILIO_PUBLIC_URL"),
		WebhookFile:     os.Getenv("WEBHOOK_CONFIG_FILE"),
		InjectEnabled:   util.ParseBoolEnv("ENABLE_EVENT_INJECTION", false),
		WhatsAppEnabled: util.ParseBoolEnv("WHATSAPP_ENABLED", true),
	}

	defaultMaxAge := admission.DefaultLooseMaxAge
	if cfg.StrictAdmission {
		defaultMaxAge = admission.DefaultStrictMaxAge
	}
	cfg.MaxAge = util.ParseMillisEnv("ADMISSION_MAX_AGE_MS", defaultMaxAge)

	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
		slog.Debug("No WHATSHOOK_STATE_DIR set, using default", "default_state_dir", cfg.StateDir)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = api.DefaultAddr
	}

	slog.Debug("environment variables loaded",
		"WHATSHOOK_STATE_DIR", cfg.StateDir,
		"WHATSAPP_DB_DSN_SET", cfg.WhatsAppDSN != "",
		"DATABASE_URL_SET", cfg.DatabaseURL != "",
		"API_ADDR", cfg.APIAddr,
		"STRICT_ADMISSION", cfg.StrictAdmission,
		"REDIS_ADDR_SET", cfg.RedisAddr != "",
		"TWILIO_AUTH_TOKEN_SET", cfg.TwilioToken != "")

	return cfg
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, cfg Config) (Flags, error) {
	flags := Flags{Config: cfg}
	fs.StringVar(&flags.qrOutput, "qr-output", "", "path to write login QR code")
	fs.BoolVar(&flags.numeric, "numeric-code", false, "print the raw pairing code instead of a QR code")
	fs.StringVar(&flags.StateDir, "state-dir", cfg.StateDir, "state directory for WhatsHook data (overrides $WHATSHOOK_STATE_DIR)")
	fs.StringVar(&flags.DatabaseURL, "db-dsn", cfg.DatabaseURL, "database DSN for delivery records (overrides $DATABASE_URL)")
	fs.StringVar(&flags.WhatsAppDSN, "whatsapp-db-dsn", cfg.WhatsAppDSN, "database DSN for WhatsApp sessions (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&flags.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)")
	fs.BoolVar(&flags.WhatsAppEnabled, "whatsapp", cfg.WhatsAppEnabled, "connect to WhatsApp (overrides $WHATSAPP_ENABLED)")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// A Postgres DATABASE_URL also hosts the WhatsApp session tables unless told otherwise
	if flags.WhatsAppDSN == "" && store.DetectDSNType(flags.DatabaseURL) == "postgres" {
		flags.WhatsAppDSN = flags.DatabaseURL
	}
	// DSNs default into whichever state directory won
	if flags.DatabaseURL == "" {
		flags.DatabaseURL = filepath.Join(flags.StateDir, DefaultAppDBFileName)
	}
	if flags.WhatsAppDSN == "" {
		flags.WhatsAppDSN = "file:" + filepath.Join(flags.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}

	slog.Debug("flags parsed",
		"qrOutput", flags.qrOutput,
		"numeric", flags.numeric,
		"stateDir", flags.StateDir,
		"apiAddr", flags.APIAddr,
		"whatsapp", flags.WhatsAppEnabled)
	return flags, nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(flags.WhatsAppDSN), whatsapp.WithLogLevel(flags.LogLevel)}
	if flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(flags.qrOutput))
	}
	if flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildAdmissionOptions constructs admission filter options
func buildAdmissionOptions(flags Flags) []admission.Option {
	return []admission.Option{
		admission.WithEnabled(flags.FilterEnabled),
		admission.WithStrictMode(flags.StrictAdmission),
		admission.WithMaxAge(flags.MaxAge),
	}
}

// buildQueueOptions constructs delivery queue options
func buildQueueOptions(flags Flags, claimer store.DeliveryClaimer) []queue.Option {
	opts := []queue.Option{queue.WithTickInterval(flags.QueueTick)}
	if claimer != nil {
		opts = append(opts, queue.WithClaimer(claimer))
	}
	return opts
}

// app is everything run wires together.
type app struct {
	store     store.MessageStore
	dedup     *dedup.Deduplicator
	extractor *extract.Extractor
	webhook   *webhook.Client
	queue     *queue.Queue
	registry  *messaging.AccountRegistry
	processor *ingest.Processor
	sweeper   *store.PendingSweeper
	server    *api.Server
	claimer   *store.RedisClaimer
	watcher   *config.Watcher
}

// buildApp constructs the pipeline without starting any goroutine.
func buildApp(ctx context.Context, flags Flags) (*app, error) {
	st, err := store.New(flags.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a := &app{store: st}

	a.dedup = dedup.New()
	a.extractor = extract.New()
	filter := admission.NewFilter(buildAdmissionOptions(flags)...)

	a.webhook = webhook.NewClient(config.WebhookFromEnv())
	if flags.WebhookFile != "" {
		if a.watcher, err = config.NewWatcher(flags.WebhookFile, a.webhook); err != nil {
			return nil, multierr.Append(err, a.close())
		}
	}
	if a.webhook.Config().URL == "" {
		slog.Warn("WEBHOOK_URL is not set; messages will be recorded but not delivered until it is configured")
	}

	var claimer store.DeliveryClaimer
	if flags.RedisAddr != "" {
		if a.claimer, err = store.DialRedisClaimer(ctx, flags.RedisAddr, flags.RedisPassword, flags.RedisDB); err != nil {
			slog.Warn("Redis unavailable; delivering without cross-process claims", "error", err)
		} else {
			claimer = a.claimer
		}
	}

	a.queue = queue.New(st, a.dedup, a.webhook, buildQueueOptions(flags, claimer)...)
	if err := a.queue.Validate(); err != nil {
		return nil, multierr.Append(err, a.close())
	}
	a.registry = messaging.NewAccountRegistry()
	a.processor = ingest.NewProcessor(filter, a.extractor, a.dedup, st, a.queue, a.registry)
	a.sweeper = store.NewPendingSweeper(st, a.queue, flags.SweepInterval)

	apiOpts := []api.Option{api.WithAddr(flags.APIAddr), api.WithEventInjection(flags.InjectEnabled)}
	if flags.TwilioToken != "" {
		inbound := twiliowhatsapp.NewInboundHandler(a.handleEvent,
			twiliowhatsapp.WithAuthToken(flags.TwilioToken),
			twiliowhatsapp.WithPublicURL(flags.TwilioPublicURL))
		apiOpts = append(apiOpts, api.WithTwilioHandler(inbound))
	}
	if a.server, err = api.NewServer(a.dedup, a.extractor, a.queue, a.registry, a.processor, apiOpts...); err != nil {
		return nil, multierr.Append(err, a.close())
	}
	return a, nil
}

func (a *app) handleEvent(accountID string, evt models.TransportEvent) {
	a.processor.HandleEvent(accountID, evt)
}

func (a *app) close() error {
	var err error
	if a.claimer != nil {
		err = multierr.Append(err, a.claimer.Close())
	}
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
	}
	return err
}

// run holds the state directory lock and serves until ctx is cancelled.
func run(ctx context.Context, flags Flags) (err error) {
	lock, err := lockfile.AcquireLock(flags.StateDir, lockfile.WithAPIAddr(flags.APIAddr))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, lock.Release()) }()

	a, err := buildApp(ctx, flags)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	goRun := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(runCtx)
		}()
	}
	goRun(a.queue.Run)
	goRun(a.sweeper.Run)
	if a.watcher != nil {
		goRun(a.watcher.Run)
	}

	var svc *messaging.WhatsAppService
	if flags.WhatsAppEnabled {
		waClient, werr := whatsapp.NewClient(runCtx, buildWhatsAppOptions(flags)...)
		if werr != nil {
			cancel()
			wg.Wait()
			return multierr.Append(werr, a.close())
		}
		svc = messaging.NewWhatsAppService(waClient, waClient.GetClient(), messaging.HandlerFunc(a.handleEvent), a.registry,
			messaging.WithContentMemory(a.extractor))
		goRun(func(ctx context.Context) {
			if err := svc.Start(ctx); err != nil {
				slog.Error("WhatsApp service failed to start", "error", err)
			}
		})
	} else {
		slog.Info("WhatsApp transport disabled")
	}

	serveErr := a.server.Serve(runCtx)
	if serveErr != nil {
		slog.Error("API server stopped with error", "error", serveErr)
	}

	slog.Info("Shutting down WhatsHook")
	cancel()
	if svc != nil {
		err = multierr.Append(err, svc.Stop())
	}
	wg.Wait()
	return multierr.Combine(err, serveErr, a.close())
}
