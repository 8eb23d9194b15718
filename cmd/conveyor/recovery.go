package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deckwork/conveyor/internal/recovery"
)

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Run the lease-recovery service",
}

func recoveryService(cmd *cobra.Command) (*recovery.Service, func(), error) {
	s, err := openStore(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	svc := recovery.New(s, recovery.Config{
		Interval:       cfg.RecoveryInterval,
		DeathThreshold: cfg.DeathThreshold(),
	})
	return svc, func() { _ = s.Close() }, nil
}

var recoveryRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run recovery cycles until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeStore, err := recoveryService(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := svc.Run(ctx); ctx.Err() == nil {
			return err
		}
		return nil
	},
}

var recoveryOnceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single recovery cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeStore, err := recoveryService(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		if err := svc.Cycle(cmd.Context()); err != nil {
			return err
		}
		if !flagJSON {
			fmt.Println("Recovery cycle complete")
		}
		return nil
	},
}

func init() {
	recoveryCmd.AddCommand(recoveryRunCmd)
	recoveryCmd.AddCommand(recoveryOnceCmd)
}
