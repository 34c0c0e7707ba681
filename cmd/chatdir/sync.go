package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mlowery/chatdir/internal/store"
	"github.com/mlowery/chatdir/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync <kind>|all",
	Short: "Force a refresh from the remote directory",
	Long: `Refresh one entity kind (channels, users, groups) or all of them from
the remote directory service, replacing the cached tables.

The refresh goes through the normal cross-process coordination: if
another process is already syncing a kind, this waits for it before
claiming a refresh of its own.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var kinds []store.Kind
		if args[0] == "all" {
			kinds = store.Kinds()
		} else {
			kind := store.Kind(args[0])
			if !kind.Valid() {
				fmt.Fprintf(os.Stderr, "Error: unknown kind %q (channels, users, groups, all)\n", args[0])
				os.Exit(1)
			}
			kinds = []store.Kind{kind}
		}

		s, caches, err := openCaches()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer s.Close()

		ctx := cmd.Context()
		for _, kind := range kinds {
			fmt.Printf("%s Syncing %s...\n", ui.RenderAccent("🔄"), kind)
			start := time.Now()

			if err := caches.ByKind(kind).Sync(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), err)
				os.Exit(1)
			}

			count, _ := s.Count(ctx, kind)
			fmt.Printf("%s %s synced in %v (%d entries)\n",
				ui.RenderPass("✓"), kind, time.Since(start).Round(time.Millisecond), count)
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
