package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deckwork/conveyor/internal/store"
	"github.com/deckwork/conveyor/internal/types"
	"github.com/deckwork/conveyor/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker process",
}

var (
	workerID    string
	workerKinds []string
	workerSlots int
)

// simulatePayload drives the built-in simulation handler. Real deployments
// embed the worker runtime as a library and register their own handlers;
// this handler exists so operators can smoke-test a queue end to end.
type simulatePayload struct {
	SleepMs int    `json:"sleep_ms"`
	Fail    string `json:"fail,omitempty"` // "", "transient", "permanent"
}

func simulateHandler(ctx context.Context, task *types.Task) ([]byte, error) {
	var p simulatePayload
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, worker.Permanentf("bad simulation payload: %v", err)
		}
	}
	if p.SleepMs > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(p.SleepMs) * time.Millisecond):
		}
	}
	switch p.Fail {
	case "transient":
		return nil, fmt.Errorf("simulated transient failure")
	case "permanent":
		return nil, worker.Permanentf("simulated permanent failure")
	}
	return []byte(`{"simulated":true}`), nil
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a smoke-test worker with the built-in simulation handler",
	Long: `Runs a worker that claims the given kinds and executes the built-in
simulation handler: the payload may specify {"sleep_ms": N, "fail":
"transient"|"permanent"}. Production workers embed the runtime as a
library and register real handlers instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(workerKinds) == 0 {
			return fmt.Errorf("at least one --kind is required: %w", store.ErrInvalid)
		}
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		registry := worker.NewRegistry()
		for _, kind := range workerKinds {
			registry.Register(kind, worker.HandlerFunc(simulateHandler))
		}
		slots := workerSlots
		if slots == 0 {
			slots = cfg.WorkerMaxConcurrent
		}
		rt := worker.New(s, registry, worker.Config{
			ID:                workerID,
			MaxConcurrent:     slots,
			LeaseDuration:     cfg.DefaultLeaseDuration,
			HeartbeatInterval: cfg.HeartbeatInterval,
			DeathThreshold:    cfg.DeathThreshold(),
			IdleSleepMin:      cfg.DispatchIdleMin,
			IdleSleepMax:      cfg.DispatchIdleMax,
			ShutdownTimeout:   cfg.ShutdownTimeout,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return rt.Run(ctx)
	},
}

func init() {
	workerRunCmd.Flags().StringVar(&workerID, "id", "", "worker identity (default: hostname + random suffix)")
	workerRunCmd.Flags().StringSliceVar(&workerKinds, "kind", nil, "task kind to claim (repeatable)")
	workerRunCmd.Flags().IntVar(&workerSlots, "max-concurrent", 0, "concurrent handler executions")

	workerCmd.AddCommand(workerRunCmd)
}
