// Package cmd defines the CLI commands for the headlines executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/headlines/internal/app"
	"github.com/JakeFAU/headlines/internal/config"
	"github.com/JakeFAU/headlines/internal/logging"
)

type runtimeKey struct{}

// runtime is built once per invocation and shared by subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	app    *app.App
}

// newApp builds the application container for one invocation.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger, app.Options{})
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "headlines",
		Short: "Scrapes the Polygon front page into a deduplicated article store.",
		Long: `headlines fetches the Polygon listing page, extracts article headlines,
drops links that were already seen, and stores the rest. Run it once with
"scrape" or keep it up as an HTTP service with "serve".`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				_ = logger.Sync()
				return fmt.Errorf("initialize application services: %w", err)
			}
			rt := &runtime{cfg: cfg, logger: logger, app: a}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, rt))
			return nil
		},
	}
	cmd.SetOut(stdout)

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (YAML, JSON or TOML)")
	cmd.AddCommand(newServeCmd(), newScrapeCmd())
	return cmd
}

// withRuntime adapts fn into a RunE that releases the runtime when fn returns,
// including on error.
func withRuntime(fn func(cmd *cobra.Command, rt *runtime) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		rt, err := runtimeFrom(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()
		return fn(cmd, rt)
	}
}

func (rt *runtime) close() {
	rt.app.Close()
	_ = rt.logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
}

func runtimeFrom(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("application services not initialized")
	}
	return rt, nil
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "headlines: %v\n", err)
		return 1
	}
	return 0
}
