package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpmesh/mcpmesh/pkg/logging"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Inspect the in-memory governance log",
}

var logTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Connect every selected server and stream governance events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLogTail()
	},
}

func init() {
	logCmd.AddCommand(logTailCmd)
}

// runLogTail connects every selected-for-chat server and then polls the
// governance ring (spec §3/§4.9) until SIGINT/SIGTERM, printing entries as
// they arrive. The ring is in-memory and per-process, so there is no history
// to replay on startup.
func runLogTail() error {
	a := newApp()
	ctx := context.Background()
	defer a.close(ctx)

	descriptors, err := a.loadAndReload(ctx)
	if err != nil {
		return fmt.Errorf("loading descriptor store: %w", err)
	}
	warmUpSelectedServers(ctx, a, descriptors)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	seen := 0
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			return nil
		case <-ticker.C:
			seen = printNewEntries(a.printer, a.governance, seen)
		}
	}
}

func printNewEntries(printer interface {
	Println(args ...any)
}, log *logging.GovernanceLog, alreadyPrinted int) int {
	total := log.Count()
	if total <= alreadyPrinted {
		return alreadyPrinted
	}
	for _, entry := range log.Recent(total - alreadyPrinted) {
		printer.Println(fmt.Sprintf("[%s] %-12s %-10s %s", entry.Time.Format(time.RFC3339), entry.Category, entry.ServerID, entry.Message))
	}
	return total
}
