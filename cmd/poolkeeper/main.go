// Package main provides the poolkeeper daemon and command line tools.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/TFMV/poolkeeper/cmd/poolkeeper/config"
	"github.com/TFMV/poolkeeper/cmd/poolkeeper/middleware"
	pkghealth "github.com/TFMV/poolkeeper/pkg/infrastructure/health"
	"github.com/TFMV/poolkeeper/pkg/infrastructure/metrics"
	"github.com/TFMV/poolkeeper/pkg/infrastructure/pool"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var rootCmd = &cobra.Command{
	Use:   "poolkeeper",
	Short: "Database connection pool manager",
	Long: `Poolkeeper keeps a bounded pool of health-checked database sessions.

It runs as a daemon exposing pool health over gRPC and metrics over HTTP,
and doubles as a command line client for one-off checks and statements.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pool daemon",
	Long: `Run the pool daemon with the specified configuration.

Example:
  poolkeeper serve --config ./poolkeeper.yaml
  poolkeeper serve --driver duckdb --database ./registrar.duckdb --pool-max 8`,
	RunE: runServer,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Test database connectivity",
	RunE:  runCheck,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Initialize the pool and print its status as JSON",
	RunE:  runStatus,
}

var execCmd = &cobra.Command{
	Use:   "exec SQL [ARGS...]",
	Short: "Execute one statement inside a scoped transaction",
	Long: `Execute one statement inside a scoped transaction and print the result as JSON.

Example:
  poolkeeper exec "SELECT id, name FROM students WHERE id = \$1" 7 --mode one
  poolkeeper exec "DELETE FROM enrollment WHERE term = \$1" 2019 --mode count --commit`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

var callCmd = &cobra.Command{
	Use:   "call PROCEDURE [ARGS...]",
	Short: "Invoke a stored procedure and commit",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCall,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		return cfg.Dump(cmd.OutOrStdout())
	},
}

func init() {
	def := config.DefaultConfig()

	// Shared flags
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file path")
	flags.String("log-level", def.LogLevel, "log level (debug, info, warn, error)")
	flags.String("driver", def.Database.Driver, "database driver (postgres, mysql, duckdb, sqlite3)")
	flags.String("host", def.Database.Host, "database host")
	flags.Int("port", def.Database.Port, "database port")
	flags.String("database", def.Database.Database, "database name or file path")
	flags.String("user", def.Database.User, "database user")
	flags.String("password", def.Database.Password, "database password")
	flags.String("dsn", def.Database.DSN, "driver DSN, overrides the individual connection fields")
	flags.Int("pool-min", def.Database.PoolMin, "sessions opened when the pool is created")
	flags.Int("pool-max", def.Database.PoolMax, "maximum sessions held by the pool")

	// Daemon flags
	serveCmd.Flags().String("address", def.Address, "gRPC listen address")
	serveCmd.Flags().Bool("reflection", def.Reflection, "enable gRPC reflection")
	serveCmd.Flags().Bool("metrics", def.Metrics.Enabled, "enable Prometheus metrics")
	serveCmd.Flags().String("metrics-address", def.Metrics.Address, "metrics server address")
	serveCmd.Flags().Bool("health", def.Health.Enabled, "enable health reporting")
	serveCmd.Flags().Duration("health-interval", def.Health.Interval, "interval between connectivity checks")
	serveCmd.Flags().Bool("reaper", def.Reaper.Enabled, "reclaim checkouts held past --reaper-max-age")
	serveCmd.Flags().Duration("reaper-interval", def.Reaper.Interval, "interval between reaper sweeps")
	serveCmd.Flags().Duration("reaper-max-age", def.Reaper.MaxAge, "maximum checkout age")
	serveCmd.Flags().Duration("shutdown-timeout", def.ShutdownTimeout, "graceful shutdown timeout")

	execCmd.Flags().String("mode", pool.FetchAll.String(), "result mode (all, one, count)")
	execCmd.Flags().Bool("commit", false, "commit explicitly before the scope ends")

	bind := map[string]string{
		"config":           "config",
		"log-level":        "log_level",
		"driver":           "database.driver",
		"host":             "database.host",
		"port":             "database.port",
		"database":         "database.database",
		"user":             "database.user",
		"password":         "database.password",
		"dsn":              "database.dsn",
		"pool-min":         "database.pool_min",
		"pool-max":         "database.pool_max",
		"address":          "address",
		"reflection":       "reflection",
		"metrics":          "metrics.enabled",
		"metrics-address":  "metrics.address",
		"health":           "health.enabled",
		"health-interval":  "health.interval",
		"reaper":           "reaper.enabled",
		"reaper-interval":  "reaper.interval",
		"reaper-max-age":   "reaper.max_age",
		"shutdown-timeout": "shutdown_timeout",
	}
	for flag, key := range bind {
		f := flags.Lookup(flag)
		if f == nil {
			f = serveCmd.Flags().Lookup(flag)
		}
		if err := viper.BindPFlag(key, f); err != nil {
			panic(fmt.Errorf("failed to bind flag %s: %w", flag, err))
		}
	}

	rootCmd.AddCommand(serveCmd, checkCmd, statusCmd, execCmd, callCmd, configCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Poolkeeper\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", commit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogging(cfg.LogLevel)
	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("database", cfg.Database.String()).
		Msg("Starting poolkeeper")

	// Metrics
	var metricsCollector metrics.Collector
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metricsCollector = metrics.NewPrometheusCollector(
			metrics.WithNamespace(cfg.Metrics.Namespace),
			metrics.WithRegisterer(registry),
		)
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Address).
			WithPath(cfg.Metrics.Path).
			WithGatherer(registry)
		go func() {
			logger.Info().Str("address", cfg.Metrics.Address).Str("path", cfg.Metrics.Path).Msg("Starting metrics server")
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Failed to start metrics server")
			}
		}()
	} else {
		metricsCollector = metrics.NewNoOpCollector()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, closeDialer, err := newManager(cfg.PoolConfig(), logger, metricsCollector)
	if err != nil {
		return err
	}
	defer closeDialer()

	// A failed warm-up is not fatal: acquisitions fall back to direct sessions
	// and the next one retries initialization.
	if !manager.Initialize(ctx) {
		logger.Warn().Msg("Pool initialization failed, continuing with direct connections")
	}

	var reaper *pool.Reaper
	if cfg.Reaper.Enabled {
		reaper = pool.NewReaper(manager, cfg.Reaper.Interval, cfg.Reaper.MaxAge)
		reaper.Start()
	}

	grpcServer := setupGRPCServer(cfg, logger, metricsCollector)

	var reporter *pkghealth.Reporter
	if cfg.Health.Enabled {
		healthServer := health.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
		reporter = pkghealth.NewReporter(manager, healthServer, cfg.Health.Interval, logger)
		reporter.Start(ctx)
	}

	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("address", cfg.Address).
			Bool("health", cfg.Health.Enabled).
			Bool("reaper", cfg.Reaper.Enabled).
			Msg("Server listening")

		if err := grpcServer.Serve(listener); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-shutdownCh:
		logger.Info().Msg("Received shutdown signal")
	case serveErr = <-serverErrCh:
	}

	logger.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("Starting graceful shutdown")

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn().Msg("Graceful stop timed out, forcing")
		grpcServer.Stop()
	}

	if reporter != nil {
		reporter.Stop()
	}
	if reaper != nil {
		reaper.Stop()
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer closeCancel()
	manager.CloseAll(closeCtx)

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("Server shutdown complete")
	return serveErr
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadForCommand()
	if err != nil {
		return err
	}

	manager, closeDialer, err := newManager(cfg.PoolConfig(), logger, nil)
	if err != nil {
		return err
	}
	defer closeDialer()

	version, err := manager.ServerVersion(cmd.Context())
	if err != nil {
		return fmt.Errorf("database %s is unreachable: %w", cfg.Database.String(), err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ok: %s\n", version)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadForCommand()
	if err != nil {
		return err
	}

	manager, closeDialer, err := newManager(cfg.PoolConfig(), logger, nil)
	if err != nil {
		return err
	}
	defer closeDialer()

	ctx := cmd.Context()
	defer manager.CloseAll(ctx)
	manager.Initialize(ctx)

	return writeJSON(cmd, manager.Status())
}

func runExec(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadForCommand()
	if err != nil {
		return err
	}

	modeFlag, _ := cmd.Flags().GetString("mode")
	mode, err := pool.ParseMode(modeFlag)
	if err != nil {
		return err
	}
	commitFlag, _ := cmd.Flags().GetBool("commit")

	manager, closeDialer, err := newManager(cfg.PoolConfig(), logger, nil)
	if err != nil {
		return err
	}
	defer closeDialer()

	ctx := cmd.Context()
	defer manager.CloseAll(ctx)

	res, err := manager.Execute(ctx, pool.Query{
		SQL:    args[0],
		Args:   stringArgs(args[1:]),
		Mode:   mode,
		Commit: commitFlag,
	})
	if err != nil {
		return err
	}
	return writeJSON(cmd, res)
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadForCommand()
	if err != nil {
		return err
	}

	manager, closeDialer, err := newManager(cfg.PoolConfig(), logger, nil)
	if err != nil {
		return err
	}
	defer closeDialer()

	ctx := cmd.Context()
	defer manager.CloseAll(ctx)

	if err := manager.CallProcedure(ctx, args[0], stringArgs(args[1:])...); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "called %s\n", args[0])
	return nil
}

func loadForCommand() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, setupLogging(cfg.LogLevel).Output(zerolog.ConsoleWriter{Out: os.Stderr}), nil
}

// newManager builds the dialer and manager. The returned func releases
// resources the dialer holds outside of sessions.
func newManager(cfg pool.Config, logger zerolog.Logger, collector metrics.Collector) (*pool.Manager, func(), error) {
	dialer, err := pool.NewDialer(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create dialer: %w", err)
	}

	closeDialer := func() {
		if c, ok := dialer.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				logger.Warn().Err(err).Msg("Error closing dialer")
			}
		}
	}

	var opts []pool.Option
	if collector != nil {
		opts = append(opts, pool.WithMetrics(collector))
	}

	manager, err := pool.NewManager(cfg, dialer, logger, opts...)
	if err != nil {
		closeDialer()
		return nil, nil, fmt.Errorf("failed to create pool manager: %w", err)
	}
	return manager, closeDialer, nil
}

func stringArgs(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setupLogging(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
		zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
			short := file
			for i := len(file) - 1; i > 0; i-- {
				if file[i] == '/' {
					short = file[i+1:]
					break
				}
			}
			return fmt.Sprintf("%s:%d", short, line)
		}
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "poolkeeper")

	if logLevel == zerolog.DebugLevel {
		logger = logger.Caller()
	}

	return logger.Logger()
}

func setupGRPCServer(cfg *config.Config, logger zerolog.Logger, collector metrics.Collector) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, middleware.ServerOptions(
		middleware.NewRecoveryMiddleware(logger),
		middleware.NewLoggingMiddleware(logger),
		middleware.NewMetricsMiddleware(collector),
	)...)

	grpcServer := grpc.NewServer(opts...)

	if cfg.Reflection {
		reflection.Register(grpcServer)
	}

	return grpcServer
}
