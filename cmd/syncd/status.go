package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jemulator/syncd/internal/logging"
	"github.com/jemulator/syncd/internal/store"
	"github.com/jemulator/syncd/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "server",
	Short:   "Show store and daemon status",
	Long: `Display the store location, size and row counts, and whether a daemon is
answering on the configured WebSocket address.`,
	Run: func(cmd *cobra.Command, args []string) {
		path := cfg.DB.Path

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s Store not initialized at %s\n", ui.RenderWarn("⚠"), path)
			fmt.Printf("   Run 'syncd serve' to create it\n\n")
			return
		}
		if err != nil {
			fatalf("checking store: %v", err)
		}

		st, err := store.Open(path, logging.Discard())
		if err != nil {
			fatalf("opening store: %v", err)
		}
		defer st.Close()

		counts, err := st.Counts(context.Background())
		if err != nil {
			fatalf("counting rows: %v", err)
		}

		fmt.Printf("\n%s jemulator store\n\n", ui.RenderAccent("📊"))
		ui.KeyValue(os.Stdout, "Location", path)
		ui.KeyValue(os.Stdout, "Size", formatSize(info.Size()))
		ui.KeyValue(os.Stdout, "Modified", info.ModTime().Format("2006-01-02 15:04:05"))
		ui.KeyValue(os.Stdout, "Users", counts.Users)
		ui.KeyValue(os.Stdout, "Projects", counts.Projects)
		ui.KeyValue(os.Stdout, "Components", counts.Components)

		addr := dialAddr()
		health, err := checkHealth(addr)
		if err != nil {
			ui.KeyValue(os.Stdout, "Daemon", ui.RenderMuted("not running on "+addr))
		} else {
			ui.KeyValue(os.Stdout, "Daemon", ui.RenderPass(fmt.Sprintf("running on %s (%d clients)", addr, health.Clients)))
		}
		fmt.Println()
	},
}

type healthReply struct {
	Status   string `json:"status"`
	Clients  int    `json:"clients"`
	Sessions int    `json:"sessions"`
}

// dialAddr is the configured WebSocket address, with an empty host meaning
// this machine.
func dialAddr() string {
	host := cfg.WS.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, cfg.WS.Port)
}

func checkHealth(addr string) (*healthReply, error) {
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var h healthReply
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("unexpected health reply: %w", err)
	}
	return &h, nil
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
