package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokenplace/relay/cmd/relayctl/cmdutil"
	"github.com/tokenplace/relay/pkg/registry"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List registered workers",
	Long: `List the workers currently registered with the relay, with their key
fingerprints, last announce time and in-flight request counts.

Examples:
  # List workers as table
  relayctl workers

  # List as JSON
  relayctl workers -o json`,
	RunE: runWorkers,
}

// WorkerList is a list of worker snapshots for table rendering.
type WorkerList []registry.Snapshot

// Headers implements TableRenderer.
func (wl WorkerList) Headers() []string {
	return []string{"WORKER", "FINGERPRINT", "LAST SEEN", "IN-FLIGHT", "DRAINING"}
}

// Rows implements TableRenderer.
func (wl WorkerList) Rows() [][]string {
	rows := make([][]string, 0, len(wl))
	for _, w := range wl {
		rows = append(rows, []string{
			w.ID,
			w.Fingerprint,
			formatAge(w.LastSeen),
			fmt.Sprintf("%d", w.InFlight),
			cmdutil.BoolToYesNo(w.Draining),
		})
	}
	return rows
}

// formatAge renders how long ago a worker last announced.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	age := time.Since(t).Round(time.Second)
	if age < time.Second {
		return "just now"
	}
	return age.String() + " ago"
}

func runWorkers(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetAuthenticatedClient()
	if err != nil {
		return err
	}

	workers, err := client.Workers()
	if err != nil {
		return fmt.Errorf("failed to list workers: %w", err)
	}

	return cmdutil.PrintOutput(os.Stdout, workers, len(workers) == 0, "No workers registered.", WorkerList(workers))
}
