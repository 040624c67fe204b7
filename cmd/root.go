// Package cmd defines and implements the queuectl operator commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sparepart-scheduler/internal/app"
	"github.com/JakeFAU/sparepart-scheduler/internal/config"
	"github.com/JakeFAU/sparepart-scheduler/internal/logging"
	"github.com/JakeFAU/sparepart-scheduler/internal/scheduler"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the service surface the commands use. Tests inject a fake.
type App interface {
	Queues(ctx context.Context) (map[string][]scheduler.QueueEntry, error)
	CancelQueued(ctx context.Context, spider string, id int64) (bool, error)
	Spiders() []string
	Endpoint() Endpoint
	Close() error
}

// Endpoint locates the running scheduler service.
type Endpoint struct {
	BaseURL string
	APIKey  string
}

type services struct {
	*app.App
}

func (s services) Queues(ctx context.Context) (map[string][]scheduler.QueueEntry, error) {
	return s.Controller.Queues(ctx)
}

func (s services) CancelQueued(ctx context.Context, spider string, id int64) (bool, error) {
	return s.Controller.CancelQueued(ctx, spider, id)
}

func (s services) Spiders() []string {
	return s.Controller.Spiders()
}

func (s services) Endpoint() Endpoint {
	ep := Endpoint{BaseURL: fmt.Sprintf("http://127.0.0.1:%d", s.Config.Server.Port)}
	if s.Config.Auth.Enabled {
		ep.APIKey = s.Config.Auth.APIKey
	}
	return ep
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return services{a}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "queuectl",
		Short: "Operator tool for the sparepart crawl scheduler queues.",
		Long: `queuectl inspects and manipulates the deferred crawl queues that the
scheduler service keeps per spider type. list and cancel open the same
durable queue store as the service; drain goes through the running service so
dispatch stays under its per-spider lock.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				if err := appInstance.Close(); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "close services: %v\n", err)
				}
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults plus SCHEDULER_* env when empty)")

	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newCancelCmd())
	cmd.AddCommand(newDrainCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
