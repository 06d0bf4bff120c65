package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jemulator/syncd/internal/loadtest"
	"github.com/jemulator/syncd/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "maint",
	Short:   "Hammer a scratch store with concurrent clients",
	Long: `Run many concurrent clients against a scratch store and report latency.

Each client issues a fixed mix of query, get, all and exec operations against
one counter row, and every write is broadcast to all other sessions. At the
end the counter is checked: a wrong value means writes were lost.

The configured store is never touched.

Example usage:
  syncd loadtest                        # 20 clients x 50 operations
  syncd loadtest --clients 100 --ops 200`,
	Run: func(cmd *cobra.Command, args []string) {
		clients, _ := cmd.Flags().GetInt("clients")
		ops, _ := cmd.Flags().GetInt("ops")
		listeners, _ := cmd.Flags().GetInt("listeners")
		if clients < 1 || ops < 1 || listeners < 0 {
			fatalf("--clients and --ops must be positive, --listeners non-negative")
		}

		dir, err := os.MkdirTemp("", "syncd-loadtest-")
		if err != nil {
			fatalf("creating scratch dir: %v", err)
		}
		defer os.RemoveAll(dir)

		h, err := loadtest.CreateHarness(filepath.Join(dir, "load.db"), listeners)
		if err != nil {
			fatalf("%v", err)
		}
		defer h.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		fmt.Printf("%s Running %d clients x %d operations (%d passive listeners)...\n\n",
			ui.RenderAccent("⚡"), clients, ops, listeners)

		stats, err := h.RunConcurrentClients(ctx, clients, ops)
		if err != nil {
			fatalf("%v", err)
		}
		stats.PrintStats(os.Stdout)
		fmt.Println()

		if ctx.Err() != nil {
			fmt.Println(ui.RenderWarn("Interrupted: counters not verified"))
			return
		}

		wantX, wantY := loadtest.ExpectedCounters(clients, ops)
		if err := h.VerifyCounters(context.Background(), wantX, wantY); err != nil {
			fmt.Printf("%s %v\n", ui.RenderFail("✗"), err)
			os.Exit(1)
		}
		fmt.Printf("%s No lost updates (%d writes)\n", ui.RenderPass("✓"), wantX+wantY)
	},
}

func init() {
	loadtestCmd.Flags().IntP("clients", "c", 20, "concurrent clients")
	loadtestCmd.Flags().IntP("ops", "n", 50, "operations per client")
	loadtestCmd.Flags().Int("listeners", 4, "passive sessions receiving every change")

	rootCmd.AddCommand(loadtestCmd)
}
