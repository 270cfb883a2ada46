package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokenplace/relay/cmd/relayctl/cmdutil"
	"github.com/tokenplace/relay/pkg/perf"
)

var perfCmd = &cobra.Command{
	Use:   "perf",
	Short: "Show relay timing percentiles",
	Long: `Fetch the relay's in-process timing monitor snapshot: per-operation
counts and latency percentiles over the recent window.

The perf monitor must be enabled in the relay configuration
(perf.enabled: true).

Examples:
  # Show timings as table
  relayctl perf

  # Show as JSON
  relayctl perf -o json`,
	RunE: runPerf,
}

// PerfList is a list of perf stats for table rendering.
type PerfList []perf.Stats

// Headers implements TableRenderer.
func (pl PerfList) Headers() []string {
	return []string{"OPERATION", "COUNT", "MEAN", "P50", "P95", "P99", "MAX"}
}

// Rows implements TableRenderer.
func (pl PerfList) Rows() [][]string {
	rows := make([][]string, 0, len(pl))
	for _, s := range pl {
		rows = append(rows, []string{
			s.Op,
			fmt.Sprintf("%d", s.Count),
			formatLatency(s.Mean),
			formatLatency(s.P50),
			formatLatency(s.P95),
			formatLatency(s.P99),
			formatLatency(s.Max),
		})
	}
	return rows
}

// formatLatency renders a duration at millisecond precision.
func formatLatency(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000)
}

func runPerf(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetAuthenticatedClient()
	if err != nil {
		return err
	}

	stats, err := client.Perf()
	if err != nil {
		return fmt.Errorf("failed to fetch perf snapshot: %w", err)
	}

	return cmdutil.PrintOutput(os.Stdout, stats, len(stats) == 0, "No timings recorded yet.", PerfList(stats))
}
