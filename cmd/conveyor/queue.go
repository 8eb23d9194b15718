package main

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deckwork/conveyor/internal/types"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and administer the task queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth by status, kind, and worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		stats, err := s.QueueStats(cmd.Context())
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(stats)
		}

		fmt.Println(color.New(color.Bold).Sprint("Tasks by status"))
		for _, st := range []types.TaskStatus{
			types.StatusQueued, types.StatusProcessing, types.StatusCompleted,
			types.StatusFailed, types.StatusCancelled,
		} {
			if n := stats.ByStatus[st]; n > 0 {
				fmt.Printf("  %-12s %d\n", statusColor(st), n)
			}
		}
		if len(stats.QueuedByKind) > 0 {
			fmt.Println(color.New(color.Bold).Sprint("Queued by kind"))
			kinds := make([]string, 0, len(stats.QueuedByKind))
			for k := range stats.QueuedByKind {
				kinds = append(kinds, k)
			}
			sort.Strings(kinds)
			for _, k := range kinds {
				fmt.Printf("  %-28s %d\n", k, stats.QueuedByKind[k])
			}
		}
		if len(stats.InFlightByWorker) > 0 {
			fmt.Println(color.New(color.Bold).Sprint("In flight by worker"))
			workers := make([]string, 0, len(stats.InFlightByWorker))
			for w := range stats.InFlightByWorker {
				workers = append(workers, w)
			}
			sort.Strings(workers)
			for _, w := range workers {
				fmt.Printf("  %-28s %d\n", w, stats.InFlightByWorker[w])
			}
		}
		if stats.OldestQueuedAge > 0 {
			fmt.Printf("Oldest queued: %s\n", age(stats.OldestQueuedAge))
		}
		return nil
	},
}

var queueInspectCmd = &cobra.Command{
	Use:   "inspect <pipeline_id>",
	Short: "Show a pipeline's tasks and aggregate progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		pp, err := s.PipelineProgress(cmd.Context(), id)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(pp)
		}

		state := "running"
		if pp.Terminal {
			state = "terminal"
			if pp.Failed {
				state = color.RedString("terminal (partial/failed)")
			}
		}
		fmt.Printf("%s %d — %d%% %s\n",
			color.New(color.Bold).Sprint("Pipeline"), pp.PipelineID, pp.Percent, state)
		for _, task := range pp.Tasks {
			fmt.Printf("  %6d  %-28s %-12s %3d%%  weight=%d\n",
				task.ID, task.Kind, statusColor(task.Status), task.Percent, task.Weight)
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <task_id>",
	Short: "Force-retry a failed or cancelled task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.ForceRetry(cmd.Context(), id); err != nil {
			return err
		}
		if flagJSON {
			return printJSON(map[string]any{"task_id": id, "status": "queued"})
		}
		fmt.Printf("Task %d re-queued\n", id)
		return nil
	},
}

var queueCancelPipeline bool

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <task_id|pipeline_id>",
	Short: "Cancel a task (or a whole pipeline with --pipeline)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if queueCancelPipeline {
			n, err := s.CancelPipeline(cmd.Context(), id)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]any{"pipeline_id": id, "cancelled": n})
			}
			fmt.Printf("Pipeline %d: %d task(s) cancelled\n", id, n)
			return nil
		}

		if err := s.Cancel(cmd.Context(), id); err != nil {
			return err
		}
		if flagJSON {
			return printJSON(map[string]any{"task_id": id, "status": "cancelled"})
		}
		fmt.Printf("Task %d cancelled\n", id)
		return nil
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain <worker_id>",
	Short: "Ask a worker to stop claiming new tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.SetWorkerStatus(cmd.Context(), args[0], types.WorkerDraining); err != nil {
			return err
		}
		if flagJSON {
			return printJSON(map[string]any{"worker_id": args[0], "status": "draining"})
		}
		fmt.Printf("Worker %s draining; it stops claiming at its next heartbeat\n", args[0])
		return nil
	},
}

var queueOldestLimit int

var queueOldestCmd = &cobra.Command{
	Use:   "oldest",
	Short: "List the oldest queued tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		tasks, err := s.OldestQueued(cmd.Context(), queueOldestLimit)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(tasks)
		}
		for _, task := range tasks {
			fmt.Printf("%6d  %-28s prio=%-3d retries=%d/%d  %s\n",
				task.ID, task.Kind, task.Priority, task.Retries, task.MaxRetries,
				task.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var queueShowCmd = &cobra.Command{
	Use:   "show <task_id>",
	Short: "Show one task in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		task, err := s.GetTask(cmd.Context(), id)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(task)
		}
		fmt.Printf("Task %d  %s  %s\n", task.ID, task.Kind, statusColor(task.Status))
		if task.PipelineID != nil {
			fmt.Printf("  pipeline:    %d\n", *task.PipelineID)
		}
		if task.SubjectRef != "" {
			fmt.Printf("  subject:     %s\n", task.SubjectRef)
		}
		fmt.Printf("  priority:    %d\n", task.Priority)
		fmt.Printf("  retries:     %d/%d\n", task.Retries, task.MaxRetries)
		if task.LeasedBy != nil {
			fmt.Printf("  leased by:   %s (epoch %d, expires %s)\n",
				*task.LeasedBy, task.LeaseEpoch, task.LeaseExpiresAt.Format("15:04:05"))
		}
		if task.Error != "" {
			fmt.Printf("  error:       %s\n", color.RedString(task.Error))
		}
		return nil
	},
}

func init() {
	queueCancelCmd.Flags().BoolVar(&queueCancelPipeline, "pipeline", false,
		"treat the argument as a pipeline id and cancel all of its tasks")
	queueOldestCmd.Flags().IntVarP(&queueOldestLimit, "limit", "n", 10, "how many tasks to list")

	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueInspectCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueCancelCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueOldestCmd)
	queueCmd.AddCommand(queueShowCmd)
}
