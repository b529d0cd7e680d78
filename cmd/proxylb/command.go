// Package proxylb is the command-line entry point: a small cobra command
// tree wrapping config.Load and one running engine.Engine.
package proxylb

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/EvgeniiDev/proxy-load-balancer/config"
	"github.com/EvgeniiDev/proxy-load-balancer/engine"
)

const shutdownGracePeriod = 30 * time.Second

// Main builds and executes the root command. It returns the process exit
// code; main() is expected to pass that straight to os.Exit.
func Main() int {
	if err := newRootCmd().Execute(); err != nil {
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "proxylb",
		Short:         "A load-balancing HTTP/HTTPS forward proxy over a pool of SOCKS5 upstreams",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy in the foreground until interrupted",
		Long: `Run loads the JSON configuration file, starts accepting proxy
connections, and begins probing the upstream pool. It blocks until
interrupted (SIGINT or SIGTERM), at which point it stops accepting new
connections, lets in-flight requests finish within a grace period, and
exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the JSON configuration file (required)")
	if err := cmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
	return cmd
}

func runProxy(ctx context.Context, configPath string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	eng := engine.New(cfg, logger)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.Start(runCtx)
	}()

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		return nil
	case s := <-sig:
		logger.Info("received signal, shutting down", zap.String("signal", s.String()))
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancelShutdown()

	go func() {
		// A second signal forces an immediate exit instead of waiting
		// out the grace period.
		if _, ok := <-sig; ok {
			logger.Warn("second signal received, forcing exit")
			os.Exit(1)
		}
	}()

	if err := eng.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	<-errCh
	return nil
}
