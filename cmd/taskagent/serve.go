package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/taskagent/internal/api"
	"github.com/nugget/taskagent/internal/buildinfo"
	"github.com/nugget/taskagent/internal/connwatch"
)

// shutdownTimeout bounds how long in-flight requests may take to drain.
const shutdownTimeout = 30 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd, flags)
		},
	}
}

// runServe loads config, opens the database, starts the API server, and
// blocks until ctx is cancelled (SIGINT or SIGTERM in production). The
// shutdown sequence drains in-flight requests before the database is
// closed.
func runServe(ctx context.Context, cmd *cobra.Command, flags *globalFlags) error {
	cfg, cfgPath, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("starting taskagent",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch,
		"built", buildinfo.BuildTime,
		"config", cfgPath,
		"database", cfg.Database.Path,
		"driver", cfg.Database.Driver,
	)

	watch := connwatch.NewManager(connwatch.DefaultConfig(), a.logger)
	watch.Add("database", a.db.PingContext)
	watch.Add("model", func(ctx context.Context) error {
		return a.client.PingModel(ctx, cfg.Models.Default)
	})
	go watch.Run(ctx)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, cfg.API.UserHeader, a.loop, a.memory, a.logger)
	server.SetHealth(watch)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown", "error", err)
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}
