package commands

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/tokenplace/relay/cmd/relayctl/cmdutil"
	"github.com/tokenplace/relay/internal/cli/credentials"
	"github.com/tokenplace/relay/internal/cli/prompt"
	"github.com/tokenplace/relay/pkg/apiclient"
)

var (
	loginServer   string
	loginUsername string
	loginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate with a relay",
	Long: `Authenticate with a relay's admin surface and store the session token.

On first login, you must specify the relay URL. Subsequent logins will
use the stored relay URL unless overridden.

Examples:
  # First login to a relay
  relayctl login --server http://localhost:5010 --username admin

  # Login with password on command line (less secure)
  relayctl login --server http://localhost:5010 -u admin -p secret

  # Re-login to stored relay
  relayctl login`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().StringVar(&loginServer, "server", "", "Relay URL (required on first login)")
	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", "", "Username")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Password")
}

func runLogin(cmd *cobra.Command, args []string) error {
	store, err := credentials.NewStore()
	if err != nil {
		return fmt.Errorf("failed to initialize credential store: %w", err)
	}

	// Determine relay URL
	serverURLStr := loginServer
	if serverURLStr == "" {
		ctx, err := store.GetCurrentContext()
		if err != nil || ctx == nil || ctx.ServerURL == "" {
			return fmt.Errorf("no relay URL specified and no saved context found\n\n" +
				"Specify relay URL:\n" +
				"  relayctl login --server http://localhost:5010")
		}
		serverURLStr = ctx.ServerURL
	}

	// Validate relay URL
	parsedURL, err := url.Parse(serverURLStr)
	if err != nil {
		return fmt.Errorf("invalid relay URL: %w", err)
	}
	if parsedURL.Scheme == "" {
		parsedURL.Scheme = "http"
		serverURLStr = parsedURL.String()
	}

	// Get username (prompt if not provided)
	username := loginUsername
	if username == "" {
		username, err = prompt.InputRequired("Username")
		if err != nil {
			return cmdutil.HandleAbort(err)
		}
	}

	// Get password (prompt if not provided)
	password := loginPassword
	if password == "" {
		password, err = prompt.Password("Password")
		if err != nil {
			return cmdutil.HandleAbort(err)
		}
	}

	client := apiclient.New(serverURLStr)

	fmt.Printf("Logging in to %s as %s...\n", serverURLStr, username)
	tok, err := client.Login(username, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	contextName := store.GetCurrentContextName()
	if contextName == "" {
		contextName = credentials.GenerateContextName(serverURLStr)
	}

	ctx := &credentials.Context{
		ServerURL:   serverURLStr,
		Username:    username,
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.ExpiresAt,
	}
	if err := store.SetContext(contextName, ctx); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	fmt.Printf("Logged in as %s (session expires %s)\n", username, tok.ExpiresAt.Local().Format("15:04:05"))
	return nil
}
