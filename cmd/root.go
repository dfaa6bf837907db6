// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/app"
	"github.com/JakeFAU/catalog-harvester/internal/config"
	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/discovery"
	"github.com/JakeFAU/catalog-harvester/internal/dispatcher"
	"github.com/JakeFAU/catalog-harvester/internal/export"
	"github.com/JakeFAU/catalog-harvester/internal/logging"
	"github.com/JakeFAU/catalog-harvester/internal/worker"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the services commands use. It lets tests inject their own.
type App interface {
	Close()
	GetLogger() *zap.Logger
	GetConfig() config.Config
	GetStore() crawler.Store
	Discovery() *discovery.Engine
	Worker(opts app.WorkerOptions) (*worker.Worker, error)
	Dispatcher(proc dispatcher.Processor, workers, limit int) *dispatcher.Dispatcher
	Exporter() *export.Exporter
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.NewApp(ctx, cfg, logger)
}

type rootOptions struct {
	configFile string
	db         string
	store      string
}

// newRootCmd creates and configures the root command. The returned func closes
// the App opened by the command; cobra skips post-run hooks when RunE fails, so
// callers run it after Execute returns.
func newRootCmd() (*cobra.Command, func()) {
	opts := &rootOptions{}
	var opened App
	closeApp := func() {
		if opened != nil {
			opened.Close()
			opened = nil
		}
	}
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvests book metadata from an online catalog.",
		Long: `harvester discovers book pages in an online catalog, crawls them politely
through a durable work queue and exports the extracted metadata and reviews.

A typical run is "harvester discover", then "harvester crawl", then
"harvester export --out books.xlsx". Interrupted crawls resume where they stopped.`,
		SilenceUsage: true,

		// Builds and injects the application before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				_ = logger.Sync()
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			opened = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&opts.db, "db", "", "sqlite path or postgres DSN, depending on --store")
	cmd.PersistentFlags().StringVar(&opts.store, "store", "", "queue store driver: sqlite or postgres")

	cmd.AddCommand(
		newDiscoverCmd(),
		newCrawlCmd(),
		newExportCmd(),
		newSingleCmd(),
		newAddCmd(),
		newStatusCmd(),
		newResetCmd(),
	)
	return cmd, closeApp
}

// loadConfig reads the config file and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("store") {
		cfg.Store.Driver = opts.store
	}
	if flags.Changed("db") {
		switch cfg.Store.Driver {
		case "postgres":
			cfg.Store.PostgresDSN = opts.db
		default:
			cfg.Store.SQLitePath = opts.db
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root, closeApp := newRootCmd()
	err := root.ExecuteContext(ctx)
	closeApp()
	stop()
	if err != nil {
		os.Exit(1)
	}
}
