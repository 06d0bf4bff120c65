// Command syncd runs the jemulator sync daemon and inspects its store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jemulator/syncd/internal/config"
	"github.com/jemulator/syncd/internal/logging"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "none"
)

var (
	configFile string
	debugFlag  bool

	loader *config.Loader
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:     "syncd",
	Short:   "State synchronization daemon for jemulator",
	Version: fmt.Sprintf("%s (%s)", version, commit),
	Long: `syncd owns the jemulator SQLite store and keeps every connected client in sync.

Renderer windows talk to it over the in-process IPC bus, external tools over
WebSocket. Every successful write is pushed to all other clients as a
db:change notification.

Configuration is read from syncd.yaml (or .toml/.json) in the working
directory or the user config directory, and from JEMULATOR_* environment
variables, e.g. JEMULATOR_WS_PORT=9000.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loader = config.NewLoader(configFile)

		var err error
		cfg, err = loader.Load()
		if err != nil {
			return err
		}
		if debugFlag {
			cfg.Log.Debug = true
		}
		logging.SetDebug(cfg.Log.Debug)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: syncd.yaml in . or the user config dir)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "log every message and operation")

	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "Server:"},
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatalf prints an error and exits non-zero.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
