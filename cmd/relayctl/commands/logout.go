package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokenplace/relay/internal/cli/credentials"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear stored credentials",
	Long: `Clear the stored session token for the current relay context.

The relay URL is kept so the next 'relayctl login' does not need --server.`,
	RunE: runLogout,
}

func runLogout(cmd *cobra.Command, args []string) error {
	store, err := credentials.NewStore()
	if err != nil {
		return fmt.Errorf("failed to initialize credential store: %w", err)
	}

	if err := store.ClearCurrentContext(); err != nil {
		if errors.Is(err, credentials.ErrNoCurrentContext) {
			fmt.Println("Not logged in.")
			return nil
		}
		return err
	}

	fmt.Println("Logged out.")
	return nil
}
