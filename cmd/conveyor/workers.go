package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/deckwork/conveyor/internal/types"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Inspect and administer workers",
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		workers, err := s.ListWorkers(cmd.Context())
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(workers)
		}
		for _, w := range workers {
			fmt.Printf("%-32s %-10s slots=%d  heartbeat %s ago  [%s]\n",
				w.ID, workerStatusColor(w.Status), w.MaxConcurrent,
				age(time.Since(w.LastHeartbeatAt)), strings.Join(w.Capabilities, ","))
		}
		return nil
	},
}

var workersKillCmd = &cobra.Command{
	Use:   "kill <worker_id>",
	Short: "Mark a worker dead and release its leases",
	Long: `Marks the worker dead so its heartbeat is rejected and it stops
claiming work, then force-expires its leases so the recovery service
re-queues them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.SetWorkerStatus(cmd.Context(), args[0], types.WorkerDead); err != nil {
			return err
		}
		released, err := s.ExpireOwnLeases(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(map[string]any{
				"worker_id": args[0], "status": "dead", "leases_released": released,
			})
		}
		fmt.Printf("Worker %s killed, %d lease(s) released to recovery\n", args[0], released)
		return nil
	},
}

func init() {
	workersCmd.AddCommand(workersListCmd)
	workersCmd.AddCommand(workersKillCmd)
}
