package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/bissquit/incident-engine/internal/app"
	"github.com/bissquit/incident-engine/internal/config"
	"github.com/bissquit/incident-engine/internal/pkg/postgres"
	"github.com/spf13/cobra"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Migrate bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Migrate, "migrate", false, "apply pending migrations before serving")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	if opts.Migrate && cfg.Storage.Mode == config.StoragePostgres {
		if err := postgres.MigrateUp(cfg.Database.MigrationsPath, cfg.Database.URL); err != nil {
			return WrapExitError(ExitCommandError, "failed to migrate database", err)
		}
	}

	application, err := app.New(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize application", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run()
	}()

	select {
	case err := <-errCh:
		_ = shutdown(application, cfg)
		return err
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	}

	if err := shutdown(application, cfg); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func shutdown(application *app.App, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return application.Shutdown(ctx)
}
