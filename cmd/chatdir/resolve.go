package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mlowery/chatdir/internal/cache"
	"github.com/mlowery/chatdir/internal/store"
	"github.com/mlowery/chatdir/internal/ui"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <kind> <key>",
	Short: "Resolve a name or handle to its workspace id",
	Long: `Resolve a key against the directory cache, refreshing from the remote
service if needed.

Kinds: channels, users, groups. Channels resolve by name or by id;
users and groups resolve by username / group handle.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		kind := store.Kind(args[0])
		key := args[1]

		s, caches, err := openCaches()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer s.Close()

		c := caches.ByKind(kind)
		if c == nil {
			fmt.Fprintf(os.Stderr, "Error: unknown kind %q (channels, users, groups)\n", args[0])
			os.Exit(1)
		}

		id, ok, err := c.Resolve(cmd.Context(), key)
		if err != nil {
			var syncErr *cache.SyncError
			if errors.As(err, &syncErr) {
				fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), syncErr)
			} else {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			os.Exit(1)
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "%s no %s named %q\n", ui.RenderWarn("⚠"), kind, key)
			os.Exit(2)
		}

		fmt.Println(id)
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}
