package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jemulator/syncd/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the merged configuration",
	Long: `Print the configuration after defaults, the config file and JEMULATOR_*
environment variables have been applied. The output can be saved as a
config file.

Example usage:
  syncd config show                  # YAML
  syncd config show --format toml > syncd.toml`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		if err := cfg.Render(os.Stdout, format); err != nil {
			fatalf("%v", err)
		}
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file in use and the search locations",
	Run: func(cmd *cobra.Command, args []string) {
		if used := loader.ConfigFileUsed(); used != "" {
			fmt.Println(used)
			return
		}
		fmt.Printf("no config file found; searched for %s.{yaml,toml,json} in:\n", config.FileName)
		fmt.Println("  .")
		fmt.Printf("  %s\n", config.DefaultDir())
	},
}

func init() {
	configShowCmd.Flags().StringP("format", "f", "yaml", fmt.Sprintf("output format %v", config.Formats))

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}
