package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jemulator/syncd/internal/config"
	"github.com/jemulator/syncd/internal/daemon"
	"github.com/jemulator/syncd/internal/logging"
	"github.com/jemulator/syncd/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the sync daemon in the foreground",
	Long: `Open the store and serve it over IPC and WebSocket until interrupted.

On first start the store is created and seeded with a sample user, project
and three components. WebSocket clients connect to ws://<host>:<port>/ws and
exchange JSON frames of the form {"type", "payload", "requestId"}.

Editing the config file while the daemon runs applies log.debug immediately;
other settings take effect on restart.

Example usage:
  syncd serve                    # Start on the configured port (default 8080)
  syncd serve --port 9000        # Start on a custom port
  syncd serve --db ./dev.db      # Use a different store file`,
	Run: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("port") {
			cfg.WS.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("host") {
			cfg.WS.Host, _ = cmd.Flags().GetString("host")
		}
		if cmd.Flags().Changed("db") {
			cfg.DB.Path, _ = cmd.Flags().GetString("db")
		}

		sink := logging.NewSink(logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Debug:      cfg.Log.Debug,
		})
		defer sink.Close()

		d, err := daemon.New(daemon.ConfigFrom(cfg, sink))
		if err != nil {
			fatalf("%v", err)
		}

		cfgLogger := sink.Logger("config")
		loader.Watch(func(c *config.Config) {
			if c.Log.Debug != logging.DebugEnabled() {
				logging.SetDebug(c.Log.Debug)
				cfgLogger.Printf("log.debug set to %v", c.Log.Debug)
			}
		}, func(err error) {
			cfgLogger.Printf("Warning: %v", err)
		})

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		go func() {
			select {
			case <-d.Ready():
				addr := d.Addr()
				fmt.Printf("%s syncd serving %s\n", ui.RenderPass("✓"), d.Store().Path())
				fmt.Printf("   WebSocket endpoint: ws://%s/ws\n", addr)
				fmt.Printf("   Health check: http://%s/health\n", addr)
				if used := loader.ConfigFileUsed(); used != "" {
					fmt.Printf("   Config: %s (watching)\n", used)
				}
				fmt.Println("\nPress Ctrl+C to stop...")
			case <-ctx.Done():
			}
		}()

		if err := d.Start(ctx); err != nil {
			fatalf("%v", err)
		}
		fmt.Println("syncd stopped")
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "WebSocket port (overrides ws.port)")
	serveCmd.Flags().String("host", "", "WebSocket bind address (overrides ws.host)")
	serveCmd.Flags().String("db", "", "store file (overrides db.path)")

	rootCmd.AddCommand(serveCmd)
}
