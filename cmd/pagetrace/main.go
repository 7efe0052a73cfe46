// Command pagetrace runs the telemetry collector and drives the client-side
// trackers from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/vincentbai/pagetrace/internal/config"
	"github.com/vincentbai/pagetrace/internal/database"
	"github.com/vincentbai/pagetrace/internal/errortrack"
	"github.com/vincentbai/pagetrace/internal/funnel"
	"github.com/vincentbai/pagetrace/internal/logging"
	"github.com/vincentbai/pagetrace/internal/metrics"
	"github.com/vincentbai/pagetrace/internal/server"
	"github.com/vincentbai/pagetrace/internal/storage"
	"github.com/vincentbai/pagetrace/internal/telemetry"
	"github.com/vincentbai/pagetrace/internal/transport"
)

var (
	configPath string
	verbose    bool

	cfg      *config.Config
	logger   *zap.Logger
	closeLog func()
)

var rootCmd = &cobra.Command{
	Use:           "pagetrace",
	Short:         "Front-end error and funnel telemetry",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logger, closeLog, err = logging.New(cfg.Logging)
		if err != nil {
			return xerrors.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			closeLog()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collector for the analytics endpoints",
	Long: `Stores error batches and funnel events posted to
  POST /api/analytics/errors
  POST /api/analytics/funnels
and serves a summary at GET /api/analytics/summary, a dashboard at GET /
and prometheus metrics at GET /metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var replayCmd = &cobra.Command{
	Use:   "replay [file.jsonl]",
	Short: "Feed recorded page views, actions and errors through the trackers",
	Long: `Each line is one JSON record:
  {"kind":"page","path":"/auth.html"}
  {"kind":"action","action":"signup_submitted","data":{"plan":"pro"}}
  {"kind":"step","funnel":"signup","step":"landing"}
  {"kind":"abandon","funnel":"signup","reason":"timeout"}
  {"kind":"error","type":"javascript","message":"x is undefined","source":"app.js"}
  {"kind":"api_error","url":"/api/chat","method":"POST","status":502}
Use "-" to read standard input.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

var funnelsCmd = &cobra.Command{
	Use:   "funnels",
	Short: "Show or reset persisted funnel progress",
	Args:  cobra.NoArgs,
	RunE:  runFunnels,
}

var translateCmd = &cobra.Command{
	Use:   "translate [text]",
	Short: "Translate text with the configured provider",
	Args:  cobra.ExactArgs(1),
	RunE:  runTranslate,
}

var (
	funnelsReset    string
	funnelsResetAll bool
	translateTo     string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	funnelsCmd.Flags().StringVar(&funnelsReset, "reset", "", "Forget progress for one funnel")
	funnelsCmd.Flags().BoolVar(&funnelsResetAll, "all", false, "Forget progress for every funnel")
	translateCmd.Flags().StringVar(&translateTo, "to", "", "Target language (default: saved preference)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(funnelsCmd)
	rootCmd.AddCommand(translateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// applicationDirectory is the platform-specific app data dir.
func applicationDirectory() (string, error) {
	homeDirectory, err := os.UserHomeDir()
	if err != nil {
		return "", xerrors.Errorf("failed to get user home directory: %w", err)
	}
	var dir string
	switch runtime.GOOS {
	case "darwin":
		dir = filepath.Join(homeDirectory, "Library", "Application Support", "PageTrace")
	case "windows":
		dir = filepath.Join(homeDirectory, "AppData", "Roaming", "PageTrace")
	default: // linux and others
		dir = filepath.Join(homeDirectory, ".local", "share", "PageTrace")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", xerrors.Errorf("failed to create application directory: %w", err)
	}
	return dir, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	databasePath := cfg.Server.DatabasePath
	if !filepath.IsAbs(databasePath) && filepath.Dir(databasePath) == "." {
		dir, err := applicationDirectory()
		if err != nil {
			return err
		}
		databasePath = filepath.Join(dir, databasePath)
	}
	db, err := database.NewDatabase(databasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := server.NewServer(db, cfg.Server.Address, server.Options{
		Logger:            logger,
		Metrics:           metrics.New(reg),
		Gatherer:          reg,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		RequestsPerMinute: cfg.Server.RequestsPerMin,
		RecentErrors:      cfg.Server.RecentErrors,
		ShutdownTimeout:   cfg.GetShutdownTimeout(),
	})
	logger.Info("database ready", zap.String("path", databasePath))
	return srv.Run(ctx)
}

// openStore returns the file store standing in for browser local storage.
func openStore() (storage.Store, error) {
	dir := cfg.Client.StoreDir
	if dir == "" {
		appDir, err := applicationDirectory()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(appDir, "storage")
	}
	return storage.NewFile(dir)
}

func loadDefinitions() ([]funnel.Definition, error) {
	if cfg.Funnels.DefinitionsFile == "" {
		return nil, nil
	}
	return funnel.LoadDefinitionsFile(cfg.Funnels.DefinitionsFile)
}

func newClient(ctx context.Context, opts telemetry.Options) (*telemetry.Client, error) {
	store, err := openStore()
	if err != nil {
		return nil, err
	}
	defs, err := loadDefinitions()
	if err != nil {
		return nil, err
	}

	errorsCfg := errortrack.DefaultConfig()
	errorsCfg.BatchSize = cfg.Errors.BatchSize
	errorsCfg.BatchTimeout = cfg.GetBatchTimeout()
	errorsCfg.MaxQueueSize = cfg.Errors.MaxQueueSize
	errorsCfg.MaxErrorsPerMinute = cfg.Errors.MaxErrorsPerMinute
	errorsCfg.IgnorePatterns = append(errorsCfg.IgnorePatterns, cfg.Errors.IgnorePatterns...)
	errorsCfg.IgnoredURLs = cfg.Errors.IgnoredURLs

	opts.Store = store
	opts.Logger = logger
	return telemetry.New(ctx, telemetry.Config{
		Endpoint:           cfg.Client.Endpoint,
		DisableBeacon:      cfg.Client.DisableBeacon,
		SendTimeout:        cfg.GetSendTimeout(),
		Errors:             errorsCfg,
		Funnels:            defs,
		TranslateURL:       cfg.Translate.BaseURL,
		TranslateRateLimit: cfg.Translate.RateLimit,
	}, opts)
}

func runFunnels(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	store, err := openStore()
	if err != nil {
		return err
	}
	defs, err := loadDefinitions()
	if err != nil {
		return err
	}
	// Showing or resetting progress emits nothing.
	tracker, err := funnel.New(ctx, funnel.Config{Definitions: defs}, funnel.Options{
		Sink:   transport.Discard{},
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	switch {
	case funnelsResetAll:
		tracker.ResetAll(ctx)
		fmt.Fprintln(cmd.OutOrStdout(), "All funnel progress cleared.")
		return nil
	case funnelsReset != "":
		tracker.Reset(ctx, funnelsReset)
		fmt.Fprintf(cmd.OutOrStdout(), "Progress for %s cleared.\n", funnelsReset)
		return nil
	}
	return printProgress(cmd.OutOrStdout(), tracker.Active())
}

func runTranslate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	client, err := newClient(ctx, telemetry.Options{Sink: transport.Discard{}})
	if err != nil {
		return err
	}
	defer client.Close(ctx)

	res, err := client.Translate(ctx, args[0], translateTo)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t(%s -> %s, %s)\n", res.Text, res.SourceLang, res.TargetLang, res.Provider)
	return nil
}
