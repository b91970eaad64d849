package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/oetiker/go-acme-keyvault-renewer/pkg/common"
	"github.com/oetiker/go-acme-keyvault-renewer/pkg/manager"
)

// ProgramName is used in the usage text, the version output and the ACME user agent
const ProgramName = "acme-keyvault-renewer"

// Config holds application configuration
type Config struct {
	ConfigPath          string
	EnvFile             string
	DryRun              bool
	Domains             []string
	ImportPending       bool
	QuietMode           bool
	PrintConfigTemplate bool
	DebugMode           bool
	LogLevel            string
	LogFormat           string
	ShowVersion         bool
	Version             string
}

// Application represents the main application with dependency injection
type Application struct {
	config       *Config
	logger       common.LoggerInterface
	flags        *Flags
	out          io.Writer
	cancelFunc   context.CancelFunc
	done         chan struct{}
	shutdownOnce sync.Once

	// summary of the last renewal run
	summary *RunSummary
}

// Flags encapsulates command line flag parsing
type Flags struct {
	fs                  *flag.FlagSet
	configPath          *string
	envFile             *string
	dryRun              *bool
	domains             domainList
	importPending       *bool
	quietMode           *bool
	printConfigTemplate *bool
	debugMode           *bool
	logLevel            *string
	logFormat           *string
	showVersion         *bool
}

// domainList collects repeated and comma separated -domain flags
type domainList []string

func (d *domainList) String() string {
	return strings.Join(*d, ",")
}

func (d *domainList) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*d = append(*d, part)
		}
	}
	return nil
}

// NewApplication creates a new application instance
func NewApplication(version string) *Application {
	return &Application{
		config: &Config{Version: version},
		flags:  &Flags{},
		out:    os.Stdout,
		done:   make(chan struct{}),
	}
}

// SetupFlags configures command line flags
func (app *Application) SetupFlags() {
	app.SetupFlagSet(flag.CommandLine)
}

// SetupFlagSet registers the application flags on fs
func (app *Application) SetupFlagSet(fs *flag.FlagSet) {
	app.flags.fs = fs
	app.flags.configPath = fs.String("config", "config.yaml", "Path to the configuration file")
	app.flags.envFile = fs.String("env-file", "", "Load ACMEKV_* variables from this dotenv file before reading the configuration")
	app.flags.dryRun = fs.Bool("dry-run", false, "Only report which certificates would be renewed")
	fs.Var(&app.flags.domains, "domain", "Only process this domain (repeatable, comma separated)")
	app.flags.importPending = fs.Bool("import-pending", false, "Import archived bundles whose Key Vault import failed, then exit")
	app.flags.quietMode = fs.Bool("quiet", false, "Only log errors and the run summary (useful for cron jobs)")
	app.flags.printConfigTemplate = fs.Bool("print-config-template", false, "Print a default configuration template to stdout and exit")
	app.flags.debugMode = fs.Bool("debug", false, "Enable debug logging")
	app.flags.logLevel = fs.String("log-level", "", "Set logging level (debug|info|warn|error), overrides -debug flag if specified")
	app.flags.logFormat = fs.String("log-format", "", "Set logging format (go|emoji|color|ascii|json)")
	app.flags.showVersion = fs.Bool("version", false, "Show version information and exit")

	fs.Usage = app.printUsage
}

// ParseFlags parses command line flags and populates config
func (app *Application) ParseFlags() error {
	return app.ParseArgs(os.Args[1:])
}

// ParseArgs parses args with the flag set registered by SetupFlagSet
func (app *Application) ParseArgs(args []string) error {
	if err := app.flags.fs.Parse(args); err != nil {
		return common.WrapError(err, common.ErrorTypeValidation, "parse flags", "Invalid command line").
			AddSuggestion("Use -h for usage information")
	}

	app.config.ConfigPath = *app.flags.configPath
	app.config.EnvFile = *app.flags.envFile
	app.config.DryRun = *app.flags.dryRun
	app.config.Domains = []string(app.flags.domains)
	app.config.ImportPending = *app.flags.importPending
	app.config.QuietMode = *app.flags.quietMode
	app.config.PrintConfigTemplate = *app.flags.printConfigTemplate
	app.config.DebugMode = *app.flags.debugMode
	app.config.LogLevel = *app.flags.logLevel
	app.config.LogFormat = *app.flags.logFormat
	app.config.ShowVersion = *app.flags.showVersion

	if rest := app.flags.fs.Args(); len(rest) > 0 {
		return common.NewValidationError("parse flags", "Unexpected arguments").
			AddContext("arguments", strings.Join(rest, " ")).
			AddSuggestion("Use -domain to select domains from the configuration file")
	}
	return nil
}

// printUsage prints application usage information
func (app *Application) printUsage() {
	w := app.flags.fs.Output()
	fmt.Fprintf(w, "Usage: %s [flags]\n", ProgramName)
	fmt.Fprintf(w, "  Renews Let's Encrypt certificates for the configured Cloudflare zones\n")
	fmt.Fprintf(w, "  and imports them into Azure Key Vault.\n\n")
	fmt.Fprintf(w, "Examples:\n")
	fmt.Fprintf(w, "  %s -config my.yaml\n", ProgramName)
	fmt.Fprintf(w, "  %s -config my.yaml -dry-run\n", ProgramName)
	fmt.Fprintf(w, "  %s -config my.yaml -domain www.example.com -domain api.example.com\n\n", ProgramName)
	fmt.Fprintf(w, "  Key Types: rsa2048, rsa3072, rsa4096, ec256, ec384\n")
	fmt.Fprintf(w, "  Environment: every setting can be overridden with ACMEKV_* variables\n\n")
	fmt.Fprintf(w, "Flags:\n")
	app.flags.fs.PrintDefaults()
}

// HandleVersionFlag handles the version display flag
func (app *Application) HandleVersionFlag() bool {
	if app.config.ShowVersion {
		fmt.Fprintf(app.out, "%s %s\n", ProgramName, app.config.Version)
		fmt.Fprintf(app.out, "Go version: %s\n", runtime.Version())
		fmt.Fprintf(app.out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		return true
	}
	return false
}

// SetupLogger configures the application logger
func (app *Application) SetupLogger() error {
	loggerLevel := manager.LogLevelInfo // Default log level
	var loggerFormat manager.LogFormat

	if app.config.LogLevel != "" {
		switch strings.ToLower(app.config.LogLevel) {
		case "debug":
			loggerLevel = manager.LogLevelDebug
		case "info":
			loggerLevel = manager.LogLevelInfo
		case "warn", "warning":
			loggerLevel = manager.LogLevelWarn
		case "error":
			loggerLevel = manager.LogLevelError
		default:
			return common.NewValidationError("setup logger", "Invalid log level").
				AddContext("log_level", app.config.LogLevel).
				AddSuggestion("Use one of debug, info, warn or error")
		}
	} else if app.config.QuietMode {
		loggerLevel = manager.LogLevelQuiet
	} else if app.config.DebugMode {
		loggerLevel = manager.LogLevelDebug
	}

	switch strings.ToLower(app.config.LogFormat) {
	case "":
		loggerFormat = manager.LogFormatDefault
	case "go":
		loggerFormat = manager.LogFormatGo
	case "emoji":
		loggerFormat = manager.LogFormatEmoji
	case "color":
		loggerFormat = manager.LogFormatColor
	case "ascii":
		loggerFormat = manager.LogFormatASCII
	case "json":
		loggerFormat = manager.LogFormatJSON
	default:
		return common.NewValidationError("setup logger", "Invalid log format").
			AddContext("log_format", app.config.LogFormat).
			AddSuggestion("Use one of go, emoji, color, ascii or json")
	}

	manager.SetupDefaultLogger(loggerLevel, loggerFormat)
	app.logger = manager.GetDefaultLogger()

	return nil
}

// HandleConfigTemplate handles the config template printing
func (app *Application) HandleConfigTemplate() (bool, error) {
	if !app.config.PrintConfigTemplate {
		return false, nil
	}
	fmt.Fprintln(app.out, "# Default configuration template:")
	if err := manager.GenerateDefaultConfig(app.out); err != nil {
		return true, common.WrapError(err, common.ErrorTypeConfig, "print config template",
			"Failed to render the configuration template")
	}
	return true, nil
}

// LoadEnvFile loads the dotenv file given with -env-file. Variables already
// present in the environment win.
func (app *Application) LoadEnvFile() error {
	if app.config.EnvFile == "" {
		return nil
	}
	if err := godotenv.Load(app.config.EnvFile); err != nil {
		return common.WrapError(err, common.ErrorTypeConfig, "load env file",
			"Failed to load environment file").
			WithResource(app.config.EnvFile).
			AddSuggestion("Check that the file exists and uses KEY=value lines")
	}
	app.logger.Debugf("Loaded environment from %s", app.config.EnvFile)
	return nil
}

// LoadConfigurationWithContext loads and validates the configuration file with context support
func (app *Application) LoadConfigurationWithContext(ctx context.Context) (*manager.Config, error) {
	if common.IsContextCanceled(ctx) {
		return nil, common.GetContextError(ctx, "load configuration")
	}

	absConfigPath, err := filepath.Abs(app.config.ConfigPath)
	if err != nil {
		return nil, common.WrapError(err, common.ErrorTypeConfig, "resolve config path",
			"Failed to resolve absolute path for configuration file").
			AddContext("config_path", app.config.ConfigPath).
			AddContext("request_id", common.GetRequestID(ctx)).
			AddSuggestion("Check that the config path is valid and accessible")
	}
	app.config.ConfigPath = absConfigPath

	if _, err := os.Stat(app.config.ConfigPath); os.IsNotExist(err) {
		return nil, common.NewConfigError("locate config file",
			"Configuration file not found").
			AddContext("config_path", app.config.ConfigPath).
			AddContext("request_id", common.GetRequestID(ctx)).
			AddSuggestion("Use -print-config-template to generate a template").
			AddSuggestion("Ensure the file path is correct")
	} else if err != nil {
		return nil, common.NewStorageError(err, "access config file",
			"Failed to access configuration file").
			AddContext("config_path", app.config.ConfigPath).
			AddContext("request_id", common.GetRequestID(ctx))
	}

	app.logger.Infof("Loading configuration from %s... (request: %s)",
		app.config.ConfigPath, common.GetRequestID(ctx))

	cfg, err := manager.LoadConfig(app.config.ConfigPath)
	if err != nil {
		if common.IsApplicationError(err) {
			return nil, err
		}
		return nil, common.WrapError(err, common.ErrorTypeConfig, "parse config file",
			"Failed to parse configuration file").
			AddContext("config_path", app.config.ConfigPath).
			AddContext("request_id", common.GetRequestID(ctx))
	}

	if err := app.validateDomainFilter(cfg); err != nil {
		return nil, err
	}

	if common.IsContextCanceled(ctx) {
		return nil, common.GetContextError(ctx, "load configuration")
	}

	app.logger.Infof("Configuration loaded successfully. (request: %s)", common.GetRequestID(ctx))
	return cfg, nil
}

// validateDomainFilter rejects -domain values that no zone contains
func (app *Application) validateDomainFilter(cfg *manager.Config) error {
	known := make(map[string]bool)
	for _, zone := range cfg.Zones {
		for _, d := range zone.Domains {
			known[d] = true
		}
	}
	var unknown []string
	for _, d := range app.config.Domains {
		if !known[d] {
			unknown = append(unknown, d)
		}
	}
	if len(unknown) > 0 {
		return common.NewValidationError("select domains", "Domain is not part of any configured zone").
			AddContext("domains", strings.Join(unknown, ", ")).
			AddSuggestion("Add the domain to a zone in the configuration file")
	}
	return nil
}

// setupGracefulShutdown sets up signal handling for graceful shutdown
func (app *Application) setupGracefulShutdown(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	app.cancelFunc = cancel

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			if app.logger != nil {
				app.logger.Infof("Received signal %v, finishing the current step before shutdown...", sig)
			}
			app.Shutdown()
		case <-ctx.Done():
			app.Shutdown()
		}
	}()

	return ctx
}

// Shutdown gracefully shuts down the application
// This method is safe to call multiple times
func (app *Application) Shutdown() {
	app.shutdownOnce.Do(func() {
		if app.logger != nil {
			app.logger.Debug("Shutting down application...")
		}

		if app.cancelFunc != nil {
			app.cancelFunc()
		}

		close(app.done)
	})
}

// WaitForShutdown waits for the application to shutdown
func (app *Application) WaitForShutdown() {
	<-app.done
}

// Summary returns the summary of the last renewal run, or nil
func (app *Application) Summary() *RunSummary {
	return app.summary
}

// Run executes the main application logic with context support
func (app *Application) Run(ctx context.Context) error {
	ctx = app.setupGracefulShutdown(ctx)
	defer app.Shutdown()

	ctx = common.WithRequestID(ctx)
	ctx = common.WithOperation(ctx, "application_startup")

	if app.HandleVersionFlag() {
		return nil
	}

	if err := app.SetupLogger(); err != nil {
		return err
	}

	if handled, err := app.HandleConfigTemplate(); handled {
		return err
	}

	app.logger.Infof("%s %s", ProgramName, app.config.Version)
	app.logger.Debugf("Starting application with request ID: %s", common.GetRequestID(ctx))

	if err := app.LoadEnvFile(); err != nil {
		return err
	}

	configCtx, configCancel := common.WithOperationTimeout(ctx)
	defer configCancel()

	cfg, err := app.LoadConfigurationWithContext(configCtx)
	if err != nil {
		if ctxErr := common.GetContextError(configCtx, "load configuration"); ctxErr != nil {
			return ctxErr
		}
		return err
	}

	backends := app.applyMockOverrides(cfg)
	if backends == nil {
		backends, err = DefaultBackendFactory(cfg, ProgramName+"/"+app.config.Version, app.logger)
		if err != nil {
			return err
		}
	}

	renewer, metrics := app.newRenewer(cfg, backends)

	if app.config.ImportPending {
		_, err := renewer.ImportPending(ctx)
		return err
	}

	runID := common.NewRunID()
	summary, runErr := renewer.Run(common.WithRunID(ctx, runID))
	app.summary = &summary

	metrics.ObserveRun(summary)
	if cfg.Metrics.Textfile != "" || cfg.Metrics.PushgatewayURL != "" {
		publishCtx, cancel := common.CreateOperationContext(context.WithoutCancel(ctx), "publish_metrics", common.DefaultNetworkTimeout)
		defer cancel()
		if err := metrics.Publish(publishCtx, cfg.Metrics); err != nil {
			app.logger.Warn("Could not publish metrics", "error", err)
		}
	}

	app.reportSummary(summary)
	if runErr != nil {
		return fmt.Errorf("%d of %d domains failed: %w", summary.Failed, summary.Checked, runErr)
	}
	return nil
}

// newRenewer wires the session, backends and event sinks into a Renewer
func (app *Application) newRenewer(cfg *manager.Config, backends *Backends) (*Renewer, *MetricsSink) {
	session := manager.NewSession(backends.ACME, manager.SessionOptionsFromConfig(cfg), app.logger)
	metrics := NewMetricsSink()

	opts := []RenewerOption{
		WithEvents(MultiSink{NewLogEventSink(app.logger), metrics}),
		WithDomainFilter(app.config.Domains),
		WithDryRun(app.config.DryRun),
	}
	if backends.Propagation != nil {
		opts = append(opts, WithPropagation(backends.Propagation))
	}
	if cfg.ArchiveDir != "" {
		opts = append(opts, WithArchive(manager.NewBundleArchive(cfg.ArchiveDir)))
	}
	return NewRenewer(cfg, session, backends.Records, backends.Store, app.logger, opts...), metrics
}

// reportSummary logs one line per domain that was not skipped
func (app *Application) reportSummary(summary RunSummary) {
	for _, res := range summary.Results {
		switch res.Outcome {
		case OutcomeRenewed:
			app.logger.Infof("✓ %s renewed, valid until %s", res.Domain, res.NotAfter.Format("2006-01-02"))
		case OutcomeWouldRenew:
			app.logger.Infof("→ %s would be renewed (%s)", res.Domain, res.Reason)
		case OutcomeFailed:
			var appErr *common.ApplicationError
			if errors.As(res.Err, &appErr) {
				app.logger.Errorf("✗ %s failed: [%s] %s", res.Domain, appErr.Type, appErr.Message)
			} else {
				app.logger.Errorf("✗ %s failed: %v", res.Domain, res.Err)
			}
		}
	}
	app.logger.Importantf("Checked %d, renewed %d, skipped %d, failed %d",
		summary.Checked, summary.Renewed, summary.Skipped, summary.Failed)
}
