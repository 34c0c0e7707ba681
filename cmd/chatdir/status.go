package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mlowery/chatdir/internal/store"
	"github.com/mlowery/chatdir/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show directory cache status",
	Long: `Display the cache file location and size, per-kind entry counts, and
when each kind last completed a sync.`,
	Run: func(cmd *cobra.Command, args []string) {
		path, err := storePath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s Directory cache not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   It will be created on first resolve, or run 'chatdir sync all'\n\n")
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking cache: %v\n", err)
			os.Exit(1)
		}

		s, err := store.Open(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening cache: %v\n", err)
			os.Exit(1)
		}
		defer s.Close()

		size := info.Size()
		sizeStr := fmt.Sprintf("%d bytes", size)
		if size > 1024*1024 {
			sizeStr = fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
		} else if size > 1024 {
			sizeStr = fmt.Sprintf("%.1f KB", float64(size)/1024)
		}

		fmt.Printf("\n%s Directory Cache Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Location: %s\n", path)
		fmt.Printf("Size: %s\n\n", sizeStr)

		ctx := cmd.Context()
		for _, kind := range store.Kinds() {
			count, err := s.Count(ctx, kind)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error counting %s: %v\n", kind, err)
				os.Exit(1)
			}

			meta, err := s.SyncMeta(ctx, kind)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading %s metadata: %v\n", kind, err)
				os.Exit(1)
			}

			lastSync := "never"
			if meta.CompletedAt.After(time.UnixMilli(0)) {
				lastSync = meta.CompletedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-9s %6d entries, last sync: %s\n", kind.String()+":", count, lastSync)
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
