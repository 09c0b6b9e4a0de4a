package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pubgate/internal/broker"
	"github.com/3leaps/pubgate/internal/observability"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume and run commit jobs from the broker",
	Long: `Run the commit worker loop.

The worker joins the broker consumer group and processes commit jobs
until interrupted. Multiple workers may run against the same stream;
group delivery ensures each job runs once.

Example:
  pubgate worker
  pubgate worker --consumer worker-2`,
	RunE: runWorker,
}

var workerConsumer string

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringVar(&workerConsumer, "consumer", "", "Consumer name within the group (default: hostname.pid)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := loadSettings()
	if err != nil {
		return err
	}

	eng, err := newEngine(ctx, settings)
	if err != nil {
		return err
	}
	defer eng.Close()

	consumer := workerConsumer
	if consumer == "" {
		host, _ := os.Hostname()
		consumer = fmt.Sprintf("%s.%d", host, os.Getpid())
	}

	intake, err := broker.New(ctx, broker.Config{
		URL:      settings.BrokerURL,
		Stream:   settings.BrokerStream,
		Group:    settings.BrokerGroup,
		Consumer: consumer,
	}, eng.commitJob, observability.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = intake.Close() }()

	observability.CLILogger.Info("Commit worker running",
		zap.String("consumer", consumer))

	err = intake.Run(ctx)
	if errors.Is(err, context.Canceled) {
		observability.CLILogger.Info("Commit worker stopped")
		return nil
	}
	return err
}
