package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"boardsync/internal/app"
	"boardsync/internal/codec"
	"boardsync/internal/config"
	"boardsync/internal/logging"
	"boardsync/internal/monitor"
	dbconfig "boardsync/pkg/database"
)

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "boardsync: %s\n", err)
		}
		return 1
	}
	return 0
}

// withSignalCancel cancels ctx on SIGINT or SIGTERM.
func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func newRootCommand() *cobra.Command {
	v := config.NewViper()
	root := &cobra.Command{
		Use:           "boardsync",
		Short:         "boardsync is the real-time coordination core for board meetings, documents, analysis and compliance",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Serve with a config file, overriding the listen address
  boardsync serve --config /etc/boardsync.yaml --addr :9000

  # Environment overrides use BOARDSYNC_<SECTION>_<KEY>
  BOARDSYNC_DATABASE_ENABLED=false BOARDSYNC_LOGGING_FORMAT=console boardsync serve

  # Pre-deployment load test against a running server
  boardsync loadtest --url ws://localhost:8080/ws --token dev-token --connections 1000 --messages 10
`,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "path to a YAML, JSON or TOML config file (env BOARDSYNC_CONFIG)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json or console)")
	mustBind(v, "config", flags.Lookup("config"))
	mustBind(v, "logging.level", flags.Lookup("log-level"))
	mustBind(v, "logging.format", flags.Lookup("log-format"))

	root.AddCommand(
		newServeCommand(v),
		newLoadTestCommand(v),
		newMigrateCommand(v),
		newConfigCommand(v),
	)
	return root
}

func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind %s: %v", key, err))
	}
}

// loadConfig resolves the effective configuration for a command.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	path := strings.TrimSpace(v.GetString("config"))
	return config.Load(v, path)
}

func newServeCommand(v *viper.Viper) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket coordination server and ops API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				if err := cfg.HTTP.SetAddress(addr); err != nil {
					return err
				}
			}

			application, err := app.NewApplication(cfg)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}
			ctx := cmd.Context()
			if err := application.Start(ctx); err != nil {
				return err
			}

			// FUNCTIONAL DISCOVERY: Wait for shutdown signal or server error
			var serveErr error
			select {
			case <-ctx.Done():
			case err, ok := <-application.Errors():
				if ok {
					serveErr = err
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := application.Stop(shutdownCtx); err != nil {
				return errors.Join(serveErr, fmt.Errorf("shutdown error: %w", err))
			}
			return serveErr
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address host:port")
	return cmd
}

func newLoadTestCommand(v *viper.Viper) *cobra.Command {
	var (
		url           string
		token         string
		codecName     string
		connections   int
		messages      int
		concurrency   int
		maxLatency    time.Duration
		maxErrorRate  float64
		minThroughput float64
	)
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Drive synthetic websocket load against a running server and check thresholds",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if token == "" {
				return errors.New("--token is required")
			}
			lt := cfg.LoadTest
			changed := cmd.Flags().Changed
			if changed("connections") {
				lt.Connections = connections
			}
			if changed("messages") {
				lt.MessagesPerConnection = messages
			}
			if changed("concurrency") {
				lt.Concurrency = concurrency
			}
			if changed("max-latency") {
				lt.Thresholds.MaxLatency = maxLatency
			}
			if changed("max-error-rate") {
				lt.Thresholds.MaxErrorRate = maxErrorRate
			}
			if changed("min-throughput") {
				lt.Thresholds.MinThroughput = minThroughput
			}

			if codecName != codec.SubprotocolJSON && codecName != codec.SubprotocolCBOR {
				return fmt.Errorf("unknown codec %q", codecName)
			}
			c := codec.ForSubprotocol(codecName)

			log, err := cliLogger(cfg.Logging)
			if err != nil {
				return err
			}
			monCfg := cfg.Monitor
			monCfg.ProcessSampling = false
			mon, err := monitor.New(monCfg, nil, log)
			if err != nil {
				return err
			}

			target := &monitor.WebSocketTarget{
				URL:   url,
				Token: func(int) string { return token },
				Codec: c,
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "load test: %s connections x %s messages against %s\n",
				humanize.Comma(int64(lt.Connections)), humanize.Comma(int64(lt.MessagesPerConnection)), url)

			res, err := mon.ExecuteLoadTest(cmd.Context(), target, lt)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, res.Summary())
			for name, n := range res.ByScenario {
				fmt.Fprintf(out, "  %-20s %s\n", name, humanize.Comma(int64(n)))
			}
			if !res.Passed {
				return fmt.Errorf("load test failed: %s", strings.Join(res.Failures, "; "))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&url, "url", "ws://127.0.0.1:8080/ws", "websocket endpoint")
	f.StringVar(&token, "token", "", "bearer token every synthetic connection authenticates with")
	f.StringVar(&codecName, "codec", codec.JSON.Name(), "wire subprotocol")
	f.IntVar(&connections, "connections", 0, "synthetic connections (default from config)")
	f.IntVar(&messages, "messages", 0, "messages per connection (default from config)")
	f.IntVar(&concurrency, "concurrency", 0, "concurrent dialers and senders (default from config)")
	f.DurationVar(&maxLatency, "max-latency", 0, "fail when the p99 delivery latency exceeds this")
	f.Float64Var(&maxErrorRate, "max-error-rate", 0, "fail when the error rate exceeds this fraction")
	f.Float64Var(&minThroughput, "min-throughput", 0, "fail when throughput drops below this many messages per second")
	return cmd
}

func newMigrateCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and validate the schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if !cfg.Database.Enabled {
				return errors.New("database is disabled in configuration")
			}
			db, err := dbconfig.Open(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := dbconfig.NewMigrationManager(db).ApplyMigrations()
			if err != nil {
				return err
			}
			if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
				return fmt.Errorf("schema validation failed: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				fmt.Fprintf(out, "%s: schema up to date\n", cfg.Database.DatabasePath)
				return nil
			}
			fmt.Fprintf(out, "%s: applied %s\n", cfg.Database.DatabasePath, strings.Join(applied, ", "))
			return nil
		},
	}
}

func newConfigCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			// Static tokens are credentials.
			for i := range cfg.Security.Tokens {
				cfg.Security.Tokens[i].Token = "<redacted>"
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}

func cliLogger(cfg logging.Config) (zerolog.Logger, error) {
	sink, err := logging.New(cfg)
	if err != nil {
		return zerolog.Nop(), err
	}
	return sink.Logger, nil
}
