package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokenplace/relay/cmd/relayctl/cmdutil"
)

var drainLift bool

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Drain the relay before maintenance",
	Long: `Flip the relay into drain mode: new submissions are refused with a
retryable error while retrieves and worker publishes keep flowing, so
in-flight requests complete before shutdown.

Examples:
  # Start draining
  relayctl drain

  # Lift drain mode
  relayctl drain --lift`,
	RunE: runDrain,
}

func init() {
	drainCmd.Flags().BoolVar(&drainLift, "lift", false, "Lift drain mode instead of starting it")
}

func runDrain(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetAuthenticatedClient()
	if err != nil {
		return err
	}

	if err := client.Drain(!drainLift); err != nil {
		return fmt.Errorf("drain request failed: %w", err)
	}

	if drainLift {
		cmdutil.PrintSuccess("Drain mode lifted; relay is accepting submissions")
	} else {
		cmdutil.PrintSuccess("Relay is draining; new submissions are refused")
	}
	return nil
}
