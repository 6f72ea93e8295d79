package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go-civitai-manager/internal/config"
)

var configInitPath string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as JSON",
	Long: `Prints the configuration after merging defaults, the config file,
CIVITAI_MANAGER_* environment variables and command-line flags. The
API key is masked.`,
	RunE: runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented default config file",
	RunE:  runConfigInit,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().StringVarP(&configInitPath, "output", "o", config.DefaultConfigFileName, "Where to write the config file")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	shown := globalConfig
	if shown.APIKey != "" {
		shown.APIKey = "***"
	}

	data, err := json.MarshalIndent(shown, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configInitPath); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", configInitPath)
	}
	return config.WriteDefault(configInitPath)
}
