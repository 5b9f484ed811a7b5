package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/autocrawlerHQ/browserhub/internal/api"
	"github.com/autocrawlerHQ/browserhub/internal/chrome"
	"github.com/autocrawlerHQ/browserhub/internal/config"
	"github.com/autocrawlerHQ/browserhub/internal/execute"
	"github.com/autocrawlerHQ/browserhub/internal/extension"
	"github.com/autocrawlerHQ/browserhub/internal/gateway"
	"github.com/autocrawlerHQ/browserhub/internal/protocol"
	"github.com/autocrawlerHQ/browserhub/internal/session"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "browserhub",
		Short: "Browser session hub",
		Long:  `Browserhub hosts disposable browser instances and proxies DevTools traffic to them`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("addr", "", "listen address (overrides BROWSERHUB_ADDR)")
	flags.String("external-host", "", "externally reachable host for debugger URLs")
	flags.String("internal-token", "", "shared secret for /internal routes")
	flags.Int64("max-sessions", 0, "ceiling on concurrently live sessions")
	flags.Duration("default-timeout", 0, "default session lease for /json/new")

	viper.BindPFlag("addr", flags.Lookup("addr"))
	viper.BindPFlag("external-host", flags.Lookup("external-host"))
	viper.BindPFlag("internal-token", flags.Lookup("internal-token"))
	viper.BindPFlag("max-sessions", flags.Lookup("max-sessions"))
	viper.BindPFlag("default-timeout", flags.Lookup("default-timeout"))

	viper.SetEnvPrefix("BROWSERHUB")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	launcher := chrome.NewLauncher(cfg.ChromeBin, cfg.ExtensionsDir, log)
	launch := func(ctx context.Context, opts chrome.LaunchOptions, feats chrome.Features) (session.Browser, error) {
		b, err := launcher.Launch(ctx, opts, feats)
		if err != nil {
			return nil, err
		}
		return b, nil
	}

	sessions := session.NewManager(cfg.MaxSessions, launch, log)

	dispatch := protocol.NewDispatcher(log)
	headless := extension.NewHeadlessService(sessions, cfg.ExternalHost, log)
	if err := headless.Register(dispatch); err != nil {
		return fmt.Errorf("register extension domain: %w", err)
	}

	gw := gateway.New(sessions, dispatch, log)
	runner := execute.NewRunner(sessions, log)
	srv := api.NewServer(cfg, sessions, runner, gw, log)

	errc := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	log.Info("browserhub started",
		zap.String("addr", cfg.Addr),
		zap.String("external_host", cfg.ExternalHost),
		zap.Int64("max_sessions", cfg.MaxSessions))

	select {
	case err := <-errc:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		log.Warn("session sweep", zap.Error(err))
	}

	log.Info("shutdown complete")
	return nil
}

// loadConfig layers flag/env overrides from viper on top of the
// environment defaults.
func loadConfig() config.Config {
	cfg := config.Load()

	if v := viper.GetString("addr"); v != "" {
		cfg.Addr = v
	}
	if v := viper.GetString("external-host"); v != "" {
		cfg.ExternalHost = v
	}
	if v := viper.GetString("internal-token"); v != "" {
		cfg.InternalToken = v
	}
	if v := viper.GetInt64("max-sessions"); v > 0 {
		cfg.MaxSessions = v
	}
	if v := viper.GetDuration("default-timeout"); v > 0 {
		cfg.DefaultTimeout = v
	}
	return cfg
}
