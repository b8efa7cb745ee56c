package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anji4cp/streamnexus"
	"github.com/anji4cp/streamnexus/internal/logger"
	"github.com/anji4cp/streamnexus/internal/server"
	apitls "github.com/anji4cp/streamnexus/internal/tls"
)

const shutdownTimeout = 30 * time.Second

func createServeCommand(global *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		Long: `Run the orchestrator: reset stale live rows, start the schedule and
rotation loops and serve the HTTP API until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, global.ConfigPath, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "override [server].listen")
	return cmd
}

func runServe(ctx context.Context, configPath string, flags ServeFlags) error {
	cfg, err := streamnexus.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Listen != "" {
		cfg.Server.Listen = flags.Listen
	}
	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	app := streamnexus.New(cfg, streamnexus.WithLogger(log))
	if err := app.Init(ctx); err != nil {
		return err
	}

	var srv *http.Server
	errCh := make(chan error, 1)
	if cfg.Server.Enabled {
		router, err := app.Router()
		if err != nil {
			_ = app.GracefulShutdown(context.Background())
			return err
		}
		tlsCfg, err := apitls.Setup(cfg.Server.TLS)
		if err != nil {
			_ = app.GracefulShutdown(context.Background())
			return err
		}
		srv = server.NewServer(cfg.Server.Listen, router)
		srv.TLSConfig = tlsCfg
		go func() {
			log.Info("http api listening", "addr", cfg.Server.Listen, "base_path", cfg.Server.BasePath, "tls", tlsCfg != nil)
			var err error
			if tlsCfg != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err = <-errCh:
		log.Error("http api failed", "error", err)
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if serr := srv.Shutdown(sctx); serr != nil {
			log.Warn("http shutdown", "error", serr)
		}
	}
	return errors.Join(err, app.GracefulShutdown(sctx))
}
