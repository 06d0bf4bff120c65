package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jemulator/syncd/internal/logging"
	"github.com/jemulator/syncd/internal/store"
	"github.com/jemulator/syncd/internal/ui"
)

var resetCmd = &cobra.Command{
	Use:     "reset",
	GroupID: "maint",
	Short:   "Delete the store and recreate it with sample data",
	Long: `Delete the store file (with its WAL and shared-memory files) and create a
fresh one containing only the sample user, project and components.

Stop the daemon first: a running daemon keeps the old file open.`,
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		path := cfg.DB.Path

		if !yes {
			if !ui.IsTerminal(os.Stdin) {
				fatalf("refusing to reset %s without --yes when not attached to a terminal", path)
			}

			confirmed := false
			err := huh.NewConfirm().
				Title("Reset the jemulator store?").
				Description(fmt.Sprintf("All data in %s will be deleted.", path)).
				Affirmative("Reset").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				fatalf("%v", err)
			}
			if !confirmed {
				fmt.Println("Reset cancelled")
				return
			}
		}

		if _, err := checkHealth(dialAddr()); err == nil {
			fmt.Fprintf(os.Stderr, "%s a daemon is answering on %s; it will keep using the old file\n",
				ui.RenderWarn("⚠"), dialAddr())
		}

		for _, p := range []string{path, path + "-wal", path + "-shm"} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				fatalf("removing %s: %v", p, err)
			}
		}

		st, err := store.Open(path, logging.Discard())
		if err != nil {
			fatalf("recreating store: %v", err)
		}
		defer st.Close()

		counts, err := st.Counts(context.Background())
		if err != nil {
			fatalf("counting rows: %v", err)
		}

		fmt.Printf("%s Store reset: %s\n", ui.RenderPass("✓"), path)
		fmt.Printf("   Users: %d, Projects: %d, Components: %d\n", counts.Users, counts.Projects, counts.Components)
	},
}

func init() {
	resetCmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")

	rootCmd.AddCommand(resetCmd)
}
