package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tokenplace/relay/cmd/relayctl/cmdutil"
	"github.com/tokenplace/relay/pkg/apiclient"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show relay health",
	Long: `Fetch the relay's /healthz endpoint and display readiness, registered
workers, live tickets and the current keypair generation.

This endpoint is public; no login is required.

Examples:
  # Check the stored relay
  relayctl health

  # Check a specific relay
  relayctl health --server http://localhost:5010

  # Output as JSON
  relayctl health -o json`,
	RunE: runHealth,
}

// healthView shapes the health response for table rendering.
type healthView struct {
	health *apiclient.Health
}

// Headers implements TableRenderer.
func (v healthView) Headers() []string {
	return []string{"STATE", "WORKERS", "TICKETS", "KEY ID", "PUBLIC URL"}
}

// Rows implements TableRenderer.
func (v healthView) Rows() [][]string {
	return [][]string{{
		v.health.Status,
		fmt.Sprintf("%d", v.health.Workers),
		fmt.Sprintf("%d", v.health.Tickets),
		cmdutil.EmptyOr(v.health.KeyID, "-"),
		cmdutil.EmptyOr(v.health.PublicURL, "-"),
	}}
}

func runHealth(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetClient()
	if err != nil {
		return err
	}

	health, err := client.Healthz()
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	return cmdutil.PrintResource(os.Stdout, health, healthView{health})
}
