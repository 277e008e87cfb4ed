// Package main provides the entry point for the nest-protect daemon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zorak1103/nest-protect/configs"
	"github.com/zorak1103/nest-protect/internal/config"
	"github.com/zorak1103/nest-protect/internal/logging"
	"github.com/zorak1103/nest-protect/internal/nest"
	"github.com/zorak1103/nest-protect/internal/protect"
	"github.com/zorak1103/nest-protect/internal/store"
)

// ErrNoAccount is returned when neither the configuration nor the store
// holds credentials.
var ErrNoAccount = errors.New("no account configured: run 'nest-protect login' or set nest.refresh_token")

// App is the nest-protect command tree and the flag values it binds.
type App struct {
	cfgFile      string
	environment  string
	refreshToken string
	port         int
	dbPath       string
	logLevel     string
	force        bool
	device       string

	// endpoints are the fixed vendor URLs; tests point them at a fake.
	endpoints nest.Endpoints
	v         *viper.Viper
	rootCmd   *cobra.Command
}

// NewApp wires the commands against the production endpoints.
func NewApp() *App {
	app := &App{
		endpoints: nest.DefaultEndpoints(),
		v:         viper.New(),
	}
	app.rootCmd = app.buildRootCmd()
	app.setupFlags()
	app.addCommands()
	return app
}

func (a *App) buildRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nest-protect",
		Short: "Nest Protect cloud bridge",
		Long: `nest-protect keeps a live mirror of the Nest Protect smoke and CO alarms
of one account and exposes them as entities.

Device updates arrive through the vendor's long-poll transport. Entities are
published over MQTT discovery, recorded to InfluxDB and served by a local
HTTP API with a WebSocket event stream.`,
		SilenceUsage: true,
		RunE:         a.run,
	}
}

// setupFlags registers the persistent flags; each overrides one config key.
func (a *App) setupFlags() {
	flags := a.rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default: none)")
	flags.StringVar(&a.environment, "environment", "", "vendor environment: production or fieldtest")
	flags.StringVar(&a.refreshToken, "refresh-token", "", "OAuth refresh token of the account")
	flags.IntVar(&a.port, "port", 0, "HTTP API port")
	flags.StringVar(&a.dbPath, "db", "", "config entry database path")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: TRACE, DEBUG, INFO, WARN, ERROR")

	a.bindPFlag("nest.environment", flags.Lookup("environment"))
	a.bindPFlag("nest.refresh_token", flags.Lookup("refresh-token"))
	a.bindPFlag("server.port", flags.Lookup("port"))
	a.bindPFlag("store.path", flags.Lookup("db"))
	a.bindPFlag("logging.level", flags.Lookup("log-level"))
}

func (a *App) addCommands() {
	a.rootCmd.AddCommand(a.buildConfigCmd())
	a.rootCmd.AddCommand(a.buildInitCmd())
	a.rootCmd.AddCommand(a.buildLoginCmd())
	a.rootCmd.AddCommand(a.buildDiagnosticsCmd())
}

func (a *App) buildConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the merged configuration with secrets masked",
		Long: `Print the settings the daemon would start with after merging the YAML
file, .env, environment variables and flags. Tokens, cookies and passwords
are masked.`,
		RunE: a.runConfig,
	}
}

func (a *App) buildInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write config.yaml and .env templates",
		Long: `Write a commented config.yaml and an .env template for the account
credentials into the working directory. Existing files are kept unless
--force is given.`,
		RunE: a.runInit,
	}
	cmd.Flags().BoolVar(&a.force, "force", false, "overwrite existing files")
	return cmd
}

// buildLoginCmd creates the login subcommand that stores an account.
func (a *App) buildLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Validate credentials and store the account",
		Long: `Validate the configured credentials against the vendor cloud and store
them as a config entry.

Credentials come from --refresh-token, NEST_REFRESH_TOKEN, or NEST_ISSUE_TOKEN
together with NEST_COOKIES. Logging in to an account that is already stored
replaces its credentials (re-authentication).`,
		RunE: a.runLogin,
	}
}

// buildDiagnosticsCmd creates the diagnostics subcommand.
func (a *App) buildDiagnosticsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnostics",
		Short: "Print redacted diagnostics as JSON",
		Long: `Set up the account once and print a redacted JSON dump of every bucket
of the account, or of one device with --device.`,
		RunE: a.runDiagnostics,
	}
	cmd.Flags().StringVar(&a.device, "device", "", "object key of a single device, e.g. topaz.18B43000418C356F")
	return cmd
}

// runInit writes the embedded templates.
func (a *App) runInit(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	written := 0

	for _, f := range []struct {
		name    string
		content []byte
	}{
		{"config.yaml", configs.ConfigYAML},
		{".env", configs.EnvExample},
	} {
		ok, err := a.writeConfigFile(out, f.name, f.content)
		if err != nil {
			return err
		}
		if ok {
			written++
		}
	}

	if written == 0 {
		fmt.Fprintln(out, "Templates already present. Nothing to do.")
		return nil
	}

	fmt.Fprintf(out, "Wrote %d file(s).\n", written)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Put your refresh token (or issue token and cookies) in .env")
	fmt.Fprintln(out, "  2. Run 'nest-protect login' to validate and store the account")
	fmt.Fprintln(out, "  3. Run 'nest-protect' to start the daemon")

	return nil
}

// writeConfigFile writes content to a file unless it exists and --force is
// not set. Returns true if the file was written.
func (a *App) writeConfigFile(out io.Writer, filename string, content []byte) (bool, error) {
	if _, err := os.Stat(filename); err == nil && !a.force {
		fmt.Fprintf(out, "Skipping %s (already exists)\n", filename)
		return false, nil
	}

	if err := os.WriteFile(filename, content, 0600); err != nil {
		return false, fmt.Errorf("writing %s: %w", filename, err)
	}

	fmt.Fprintf(out, "Created %s\n", filename)
	return true, nil
}

func (a *App) runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadForDisplay(a.v, a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	masked := cfg.MaskedConfig()

	fmt.Fprintln(out, "Effective Configuration")
	fmt.Fprintln(out, "=======================")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Nest:")
	fmt.Fprintf(out, "  Environment:       %s\n", masked.Nest.Environment)
	fmt.Fprintf(out, "  Host:              %s\n", masked.Nest.Host)
	fmt.Fprintf(out, "  Client ID:         %s\n", masked.Nest.ClientID)
	fmt.Fprintf(out, "  Refresh Token:     %s\n", masked.Nest.RefreshToken)
	fmt.Fprintf(out, "  Issue Token:       %s\n", masked.Nest.IssueToken)
	fmt.Fprintf(out, "  Cookies:           %s\n", masked.Nest.Cookies)
	fmt.Fprintf(out, "  Request Timeout:   %s\n", masked.Nest.RequestTimeout)
	fmt.Fprintf(out, "  Subscribe Timeout: %s\n", masked.Nest.SubscribeTimeout)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Updates:")
	fmt.Fprintf(out, "  Service Cooldown:  %s\n", masked.Updates.ServiceCooldown)
	fmt.Fprintf(out, "  Unknown Cooldown:  %s\n", masked.Updates.UnknownCooldown)
	fmt.Fprintf(out, "  Setup Retry:       %s to %s\n", masked.Updates.SetupInitialDelay, masked.Updates.SetupMaxDelay)
	fmt.Fprintf(out, "  Setup Attempts:    %d\n", masked.Updates.SetupMaxAttempts)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "MQTT:")
	fmt.Fprintf(out, "  Enabled:           %t\n", masked.MQTT.Enabled)
	fmt.Fprintf(out, "  Broker:            %s\n", masked.MQTT.Broker)
	fmt.Fprintf(out, "  Username:          %s\n", masked.MQTT.Username)
	fmt.Fprintf(out, "  Password:          %s\n", masked.MQTT.Password)
	fmt.Fprintf(out, "  Discovery Prefix:  %s\n", masked.MQTT.DiscoveryPrefix)
	fmt.Fprintf(out, "  Base Topic:        %s\n", masked.MQTT.BaseTopic)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "InfluxDB:")
	fmt.Fprintf(out, "  Enabled:           %t\n", masked.Influx.Enabled)
	fmt.Fprintf(out, "  URL:               %s\n", masked.Influx.URL)
	fmt.Fprintf(out, "  Token:             %s\n", masked.Influx.Token)
	fmt.Fprintf(out, "  Org/Bucket:        %s/%s\n", masked.Influx.Org, masked.Influx.Bucket)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Store:")
	fmt.Fprintf(out, "  Path:              %s\n", masked.Store.Path)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Server:")
	fmt.Fprintf(out, "  Port:              %d\n", masked.Server.Port)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Logging:")
	fmt.Fprintf(out, "  Level:             %s\n", masked.Logging.Level)

	return nil
}

// runLogin validates the configured credentials and stores the account.
func (a *App) runLogin(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := a.load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	creds := credentialsFromConfig(cfg.Nest)
	if creds.Chain() == nest.ChainNone {
		return nest.ErrNoCredentials
	}
	env, err := nest.LookupEnvironment(cfg.Nest.Environment, cfg.Nest.Host, cfg.Nest.ClientID)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	info, err := protect.ValidateCredentials(ctx, protect.Options{
		Environment:      env,
		Endpoints:        a.endpoints,
		Credentials:      creds,
		RequestTimeout:   cfg.Nest.RequestTimeout,
		SubscribeTimeout: cfg.Nest.SubscribeTimeout,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("validating credentials: %w", err)
	}

	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	entry, updated, err := st.SaveAccount(ctx, protect.Entry{
		Version:     protect.EntryVersion,
		Title:       info.Title,
		UniqueID:    info.UserID,
		AccountType: env.Key,
		Credentials: creds,
	})
	if err != nil {
		return fmt.Errorf("saving account: %w", err)
	}

	out := cmd.OutOrStdout()
	if updated {
		fmt.Fprintf(out, "Re-authenticated %s (entry %s)\n", entry.Title, entry.ID)
	} else {
		fmt.Fprintf(out, "Added %s (entry %s)\n", entry.Title, entry.ID)
	}
	fmt.Fprintf(out, "Credentials: %s, stored in %s\n", creds.Chain(), st.Path())
	return nil
}

// runDiagnostics sets the account up once and prints redacted diagnostics.
func (a *App) runDiagnostics(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := a.load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	entry, err := resolveEntry(ctx, st, cfg, logger)
	if err != nil {
		return err
	}

	d := newDaemon(cfg, a.endpoints, nil, entry, logger)
	opts, err := d.options()
	if err != nil {
		return err
	}
	opts.OnUpdate, opts.OnAuthFailed = nil, nil

	in, err := protect.Setup(ctx, opts)
	if err != nil {
		return fmt.Errorf("setting up account: %w", err)
	}
	defer in.Unload()

	var result map[string]any
	if a.device != "" {
		result, err = in.DeviceDiagnostics(a.device)
	} else {
		result, err = in.ConfigEntryDiagnostics(ctx)
		if err == nil {
			result["entry"] = entrySummary(entry)
		}
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// entrySummary describes an entry without its secrets.
func entrySummary(e protect.Entry) map[string]any {
	return map[string]any{
		"entry_id":     e.ID,
		"version":      e.Version,
		"title":        e.Title,
		"account_type": e.AccountType,
		"state":        e.State,
		"credentials":  e.Credentials.Chain(),
	}
}

// Execute runs the CLI application until ctx ends.
func (a *App) Execute(ctx context.Context) error {
	return a.rootCmd.ExecuteContext(ctx)
}

func (a *App) bindPFlag(key string, flag *pflag.Flag) {
	if err := a.v.BindPFlag(key, flag); err != nil {
		log.Printf("flag --%s not bound to %s: %v", flag.Name, key, err)
	}
}

func main() {
	app := NewApp()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Execute(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// load reads and validates the configuration and installs a logger writing
// to w.
func (a *App) load(w io.Writer) (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadWithViper(a.v, a.cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}

	logLevel, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Printf("%v; logging at INFO", err)
	}
	logger := logging.NewWithWriter(logLevel, w)
	logging.SetDefault(logger)
	return cfg, logger, nil
}

// credentialsFromConfig returns the credentials set in the configuration.
func credentialsFromConfig(n config.NestConfig) nest.Credentials {
	return nest.Credentials{
		RefreshToken: n.RefreshToken,
		IssueToken:   n.IssueToken,
		Cookies:      n.Cookies,
	}
}

// resolveEntry picks the account to run. Credentials in the configuration
// win and run without a stored entry; otherwise the first stored entry is used.
func resolveEntry(ctx context.Context, st *store.Store, cfg *config.Config, logger *logging.Logger) (protect.Entry, error) {
	creds := credentialsFromConfig(cfg.Nest)
	if creds.Chain() != nest.ChainNone {
		logger.Info("Using credentials from configuration", "chain", creds.Chain())
		return protect.Entry{
			Version:     protect.EntryVersion,
			Title:       "Nest Protect",
			AccountType: cfg.Nest.Environment,
			Credentials: creds,
			State:       protect.StateNotLoaded,
		}, nil
	}

	entries, err := st.ListEntries(ctx)
	if err != nil {
		return protect.Entry{}, err
	}
	if len(entries) == 0 {
		return protect.Entry{}, ErrNoAccount
	}
	if len(entries) > 1 {
		logger.Warn("Several accounts stored, running the first", "count", len(entries), "entry_id", entries[0].ID)
	}
	logger.Info("Using stored account", "entry_id", entries[0].ID, "title", entries[0].Title, "chain", entries[0].Credentials.Chain())
	return entries[0], nil
}

// run executes the daemon.
func (a *App) run(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := a.load(cmd.OutOrStdout())
	if err != nil {
		return err
	}

	logger.Info("Starting nest-protect", "port", cfg.Server.Port, "environment", cfg.Nest.Environment)
	logger.Info("Log level", "level", logging.LevelString(logger.Level()))

	ctx := cmd.Context()
	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("Error closing store", "error", closeErr)
		}
	}()

	migrated, err := st.MigrateEntries(ctx)
	if err != nil {
		return fmt.Errorf("migrating entries: %w", err)
	}
	if migrated > 0 {
		logger.Info("Migrated config entries", "count", migrated, "version", protect.EntryVersion)
	}

	entry, err := resolveEntry(ctx, st, cfg, logger)
	if err != nil {
		return err
	}

	if err := newDaemon(cfg, a.endpoints, st, entry, logger).run(ctx); err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
