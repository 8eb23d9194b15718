package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"

	"github.com/deckwork/conveyor/internal/store"
	"github.com/deckwork/conveyor/internal/types"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%q is not a valid id: %w", arg, store.ErrInvalid)
	}
	return id, nil
}

// statusColor renders a task status with the conventional palette.
func statusColor(s types.TaskStatus) string {
	switch s {
	case types.StatusQueued:
		return color.CyanString(string(s))
	case types.StatusProcessing:
		return color.YellowString(string(s))
	case types.StatusCompleted:
		return color.GreenString(string(s))
	case types.StatusFailed:
		return color.RedString(string(s))
	case types.StatusCancelled:
		return color.HiBlackString(string(s))
	default:
		return string(s)
	}
}

func workerStatusColor(s types.WorkerStatus) string {
	switch s {
	case types.WorkerActive:
		return color.GreenString(string(s))
	case types.WorkerDraining:
		return color.YellowString(string(s))
	case types.WorkerDead:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}

// age renders a duration the way operators read dashboards: coarse units.
func age(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
