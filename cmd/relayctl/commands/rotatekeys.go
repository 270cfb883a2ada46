package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tokenplace/relay/cmd/relayctl/cmdutil"
	"github.com/tokenplace/relay/internal/cli/output"
	"github.com/tokenplace/relay/internal/cli/prompt"
)

var rotateForce bool

var rotateKeysCmd = &cobra.Command{
	Use:   "rotate-keys",
	Short: "Rotate the relay keypair",
	Long: `Generate a fresh relay keypair. The outgoing key moves to the decrypt
grace ring so envelopes sealed under it still open until the grace
window elapses; /public-key serves only the new key.

Examples:
  # Rotate with confirmation
  relayctl rotate-keys

  # Rotate without confirmation
  relayctl rotate-keys --force`,
	RunE: runRotateKeys,
}

func init() {
	rotateKeysCmd.Flags().BoolVar(&rotateForce, "force", false, "Skip confirmation prompt")
}

func runRotateKeys(cmd *cobra.Command, args []string) error {
	confirmed, err := prompt.ConfirmWithForce("Rotate the relay keypair?", rotateForce)
	if err != nil {
		return cmdutil.HandleAbort(err)
	}
	if !confirmed {
		fmt.Println("Aborted.")
		return nil
	}

	client, err := cmdutil.GetAuthenticatedClient()
	if err != nil {
		return err
	}

	result, err := client.RotateKeys()
	if err != nil {
		return fmt.Errorf("key rotation failed: %w", err)
	}

	format, err := cmdutil.GetOutputFormatParsed()
	if err != nil {
		return err
	}
	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, result)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, result)
	default:
		cmdutil.PrintSuccess(fmt.Sprintf("Keypair rotated (new key ID %s, %d grace keys)", result.KeyID, result.GraceKeys))
	}
	return nil
}
