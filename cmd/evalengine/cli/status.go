package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cortexscore/evalengine/internal/broker"
	"github.com/cortexscore/evalengine/internal/config"
	"github.com/cortexscore/evalengine/internal/model"
	"github.com/cortexscore/evalengine/internal/store"
)

var statusBatchID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print per-queue lengths, approximate in-flight count, and a batch's counters",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusBatchID, "batch", "", "also print this batch's progress counters")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := cmd.Context()

	b, err := broker.NewRedisBroker(cfg.BrokerAddr, cfg.BrokerPassword, cfg.BrokerDB)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer b.Close()

	fmt.Println("queue lengths:")
	printQueueLength(ctx, b, broker.MainQueue)
	for _, d := range model.Dimensions {
		printQueueLength(ctx, b, broker.DimensionQueue(d))
	}
	printQueueLength(ctx, b, broker.ResultsQueue)

	// The in-flight table lives only inside the running orchestrator
	// process, so a separate `status` invocation approximates it instead
	// by scanning partial-result hash keys still present in the broker.
	inFlightKeys, err := b.ScanKeys(ctx, "task:*:results")
	if err != nil {
		fmt.Printf("in_flight (approx): <error: %v>\n", err)
	} else {
		fmt.Printf("in_flight (approx, tasks with at least one partial result): %d\n", len(inFlightKeys))
	}

	printWorkerLiveness(ctx, b)

	if statusBatchID == "" {
		return nil
	}

	s, err := store.NewPostgresStore(store.PoolConfig{DatabaseURL: cfg.DatabaseURL, MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		return fmt.Errorf("connect to store: %w", err)
	}
	defer s.Close()

	progress, err := s.GetBatchProgress(ctx, statusBatchID)
	if err != nil {
		return fmt.Errorf("get batch progress: %w", err)
	}
	fmt.Printf("batch %s: status=%s total=%d pending=%d processing=%d completed=%d failed=%d cancelled=%d\n",
		statusBatchID, progress.Status, progress.Total, progress.Pending,
		progress.Processing, progress.Completed, progress.Failed, progress.Cancelled)
	return nil
}

// printWorkerLiveness lists every dimension worker whose heartbeat key
// has not yet expired. The keys are TTL-bounded, so presence alone means
// the worker reported within the liveness window.
func printWorkerLiveness(ctx context.Context, b broker.Broker) {
	keys, err := b.ScanKeys(ctx, "worker:*:status")
	if err != nil {
		fmt.Printf("workers: <error: %v>\n", err)
		return
	}
	if len(keys) == 0 {
		fmt.Println("workers: none alive")
		return
	}

	vals, err := b.MGet(ctx, keys)
	if err != nil {
		fmt.Printf("workers: <error: %v>\n", err)
		return
	}
	fmt.Printf("workers alive: %d\n", len(keys))
	for i, key := range keys {
		status := "<no status>"
		if vals[i] != nil {
			status = string(vals[i])
		}
		fmt.Printf("  %s: %s\n", key, status)
	}
}

func printQueueLength(ctx context.Context, b broker.Broker, queue string) {
	n, err := b.Length(ctx, queue)
	if err != nil {
		fmt.Printf("  %s: <error: %v>\n", queue, err)
		return
	}
	fmt.Printf("  %s: %d\n", queue, n)
}
