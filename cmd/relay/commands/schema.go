package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokenplace/relay/pkg/config"
)

var schemaCmd = &cobra.Command{
	Use:   "config-schema",
	Short: "Print the configuration JSON schema",
	Long: `Print the JSON schema for the relay configuration file.

Useful for editor validation and for generating documentation.

Examples:
  # Print the schema
  relay config-schema

  # Write it next to the config for yaml-language-server
  relay config-schema > ~/.config/tokenplace/config.schema.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.Schema()
		if err != nil {
			return fmt.Errorf("failed to generate schema: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}
