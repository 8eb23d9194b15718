package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/deckwork/conveyor/internal/store"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps store sentinels onto the documented CLI exit codes:
// 2 invalid argument, 3 not found, 4 conflict, 1 everything else.
func exitCode(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalid), errors.Is(err, store.ErrPayloadTooLarge):
		return 2
	case errors.Is(err, store.ErrNotFound):
		return 3
	case errors.Is(err, store.ErrConflict):
		return 4
	default:
		return 1
	}
}
