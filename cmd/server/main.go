// Package main is the CLI entry point for the warden control plane.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"warden/internal/config"
	"warden/internal/control"
	"warden/internal/events"
	"warden/internal/gateway"
	"warden/internal/journal"
	"warden/internal/notify"
	"warden/internal/oracle"
	"warden/internal/store"
	"warden/internal/supervisor"
)

var (
	// Version info (set via ldflags)
	Version = "0.1.0"
	Commit  = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Control plane for a parental-controls agent fleet",
	Long: `warden supervises a fleet of agents installed on children's computers.
It deploys session and process monitors to each agent, accounts computer
and internet time against the family quota service, evaluates bedtime and
schedule rules, and enforces them with warnings, process kills, locks and
logouts.`,
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor until interrupted",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Printf("warden %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	state, err := st.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	keys, err := gateway.LoadOrGenerate(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("server keys: %w", err)
	}

	bus := events.NewBus(logger)
	jnl := journal.New(bus)
	hub := gateway.NewHub(keys, logger)

	orc := oracle.NewClient(cfg.OracleBaseURL, logger)
	stream := oracle.NewStream(cfg.OracleStreamURL, logger)

	sup, err := supervisor.New(hub, orc, st, jnl, bus, state, logger)
	if err != nil {
		logger.Error("supervisor refused to start", zap.Error(err))
		return err
	}

	detector := gateway.NewOfflineDetector(hub, func() time.Duration {
		return sup.GetSettings().ReportInterval()
	}, 3, logger)

	notifier := notify.New(cfg.ShoutrrrURL, func() bool {
		return sup.GetSettings().NotifyParent
	}, nil, logger)

	mux := http.NewServeMux()
	control.NewServer(sup, bus, hub, logger).Routes(mux)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE and websocket hold connections open
	}

	sup.Run(hub.Events(), stream.Changes())
	stream.Start()
	detector.Start()
	notifier.Start(bus)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("http server failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(ctx)

	detector.Stop()
	stream.Stop()
	notifier.Stop()
	sup.Stop()
	hub.CloseAll()

	logger.Info("stopped")
	return nil
}
