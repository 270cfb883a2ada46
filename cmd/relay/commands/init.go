package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tokenplace/relay/internal/cli/prompt"
	"github.com/tokenplace/relay/pkg/api/auth"
	"github.com/tokenplace/relay/pkg/config"
)

var (
	initForce   bool
	initNoAdmin bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a configuration file",
	Long: `Initialize a relay configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/tokenplace/config.yaml.
Use --config to specify a custom path.

A random JWT secret is generated for the admin surface, and you will be
prompted for admin credentials unless --no-admin is given. The admin
password is stored only as a bcrypt hash.

Examples:
  # Initialize with default location
  relay init

  # Initialize with custom path
  relay init --config /etc/tokenplace/config.yaml

  # Skip the admin credential prompt (admin surface stays disabled)
  relay init --no-admin

  # Force overwrite existing config
  relay init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
	initCmd.Flags().BoolVar(&initNoAdmin, "no-admin", false, "Skip admin credential setup")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("config file already exists: %s\nUse --force to overwrite", configPath)
	}

	cfg := config.GetDefaultConfig()

	secret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("failed to generate JWT secret: %w", err)
	}
	cfg.Auth.JWTSecret = secret

	if !initNoAdmin {
		if err := promptAdminCredentials(cfg); err != nil {
			if prompt.IsAborted(err) {
				fmt.Println("Admin setup skipped; the admin surface will stay disabled.")
			} else {
				return err
			}
		}
	}

	if err := config.SaveConfig(cfg, configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the relay with: relay start")
	fmt.Printf("  3. Or specify custom config: relay start --config %s\n", configPath)
	fmt.Println("\nSecurity notes:")
	fmt.Println("  A random JWT secret has been generated for the admin surface.")
	fmt.Println("  No worker registration token is set; any worker may announce itself.")
	fmt.Println("  For production, set one via environment variable:")
	fmt.Println("    export RELAY_AUTH_WORKER_TOKEN=$(openssl rand -hex 32)")

	return nil
}

// promptAdminCredentials asks for the admin username and password and
// stores the bcrypt hash. The plaintext password never touches disk.
func promptAdminCredentials(cfg *config.Config) error {
	username, err := prompt.Input("Admin username", "admin")
	if err != nil {
		return err
	}

	password, err := prompt.PasswordWithConfirmation("Admin password", "Confirm password", 8)
	if err != nil {
		return err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	cfg.Auth.AdminUsername = username
	cfg.Auth.AdminPasswordHash = hash
	return nil
}

// randomSecret returns 32 bytes of entropy as a 64-character hex string.
func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
