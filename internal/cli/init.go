// Package cli wires the client together for command-line entry points:
// environment loading, logging, configuration and the object graph from
// the keyed store up to the session manager and onboarding tracker.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"expenseclient/internal/amqp"
	"expenseclient/internal/api"
	"expenseclient/internal/cache"
	"expenseclient/internal/config"
	"expenseclient/internal/credentials"
	"expenseclient/internal/gateway"
	"expenseclient/internal/log"
	"expenseclient/internal/onboarding"
	"expenseclient/internal/session"
	"expenseclient/internal/store"
)

// SetupLogger creates the process logger at the given LOG_LEVEL and makes
// it the slog default.
func SetupLogger(level string, out io.Writer) *log.Logger {
	logger := log.New(log.Config{
		Level:     log.ParseLevel(level),
		Component: log.ComponentCLI,
		Output:    out,
	})
	log.SetDefault(logger)
	return logger
}

// LoadEnvFile loads .env files for local use. A missing file is fine;
// variables already set in the environment win.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// LoadAndValidateConfig loads configuration from the environment and
// validates it.
func LoadAndValidateConfig(logger *log.Logger) (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed",
			log.FieldError, err,
			log.FieldErrorType, log.ErrorTypeConfiguration)
		return nil, err
	}
	return cfg, nil
}

// App is the wired client.
type App struct {
	Config     *config.Config
	Logger     *log.Logger
	Store      store.Store
	Creds      credentials.Store
	Gateway    *gateway.Client
	API        *api.Client
	Session    *session.Manager
	Onboarding *onboarding.Tracker

	publisher *amqp.Client
}

// NewApp opens the configured store and builds everything on top of it.
// Milestone publishing is enabled only when AMQP_URL is set.
func NewApp(ctx context.Context, cfg *config.Config, logger *log.Logger) (*App, error) {
	opts, err := store.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	kv, err := store.Open(ctx, opts, logger.With(log.FieldComponent, log.ComponentStore).Logger)
	if err != nil {
		return nil, err
	}

	creds := credentials.NewKVStore(kv)
	gw, err := gateway.New(cfg.APIBaseURL, creds,
		gateway.WithLogger(logger),
		gateway.WithHTTPClient(gateway.NewHTTPClient(cfg.HTTPTimeout, logger)),
		gateway.WithRefreshCoalescing(cfg.CoalesceRefresh),
	)
	if err != nil {
		kv.Close()
		return nil, err
	}

	client := api.New(gw)
	sess := session.NewManager(client, creds, session.WithLogger(logger), session.WithFlagStore(kv))
	gw.OnLogout(sess.HandleLoggedOut)

	trackerOpts := []onboarding.Option{
		onboarding.WithLogger(logger),
		onboarding.WithFacts(client),
		onboarding.WithFactCache(cache.NewLRUCache[onboarding.Facts](cfg.FactCacheSize, cfg.FactCacheTTL)),
	}

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Store:   kv,
		Creds:   creds,
		Gateway: gw,
		API:     client,
		Session: sess,
	}

	if cfg.AMQPURL != "" {
		app.publisher = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
		trackerOpts = append(trackerOpts, onboarding.WithPublisher(app.publisher))
	}
	app.Onboarding = onboarding.NewTracker(onboarding.NewRepository(kv), trackerOpts...)

	logger.Debug("Client initialized",
		log.FieldBackend, opts.Type.String(),
		"api_base_url", cfg.APIBaseURL,
		"milestones", app.publisher != nil)
	return app, nil
}

// Close releases the store and the broker connection.
func (a *App) Close() error {
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	errs = append(errs, a.Store.Close())
	return errors.Join(errs...)
}

// GracefulShutdown returns a context cancelled on SIGINT or SIGTERM so an
// in-flight request is abandoned cleanly. Call stop to release the handler.
func GracefulShutdown(parent context.Context, logger *log.Logger) (ctx context.Context, stop context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
