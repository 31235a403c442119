// Package server implements the start command running the underwriter
// daemon until interrupted.
package server

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/catalystdao/catalyst-underwriter-sub001/cli/options"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/orchestrator"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/services/metrics"
)

// NewCommands returns the server commands.
func NewCommands() []cli.Command {
	return []cli.Command{
		{
			Name:   "start",
			Usage:  "Start the underwriter daemon",
			Action: startUnderwriter,
			Flags:  append([]cli.Flag{options.Debug}, options.Config...),
		},
	}
}

func startUnderwriter(ctx *cli.Context) error {
	cfg, err := options.GetConfigFromContext(ctx)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	log, err := options.HandleLoggingParams(ctx.Bool("debug"), cfg.Global)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer func() {
		_ = log.Sync()
	}()

	orch, err := orchestrator.New(orchestrator.Config{File: cfg, Log: log})
	if err != nil {
		return cli.NewExitError(fmt.Errorf("unable to initialize underwriter: %w", err), 1)
	}
	status := metrics.NewService(cfg.Global.Port, orch, log)

	orch.Start()
	status.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	status.Shutdown()
	orch.Shutdown()
	return nil
}
