// chatdir resolves workspace channels, users, and groups through a shared
// on-disk directory cache, refreshing lazily from the remote directory
// service. Multiple chatdir processes can share one cache file; the cache
// layer coordinates so only one of them refreshes at a time.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mlowery/chatdir/internal/cache"
	"github.com/mlowery/chatdir/internal/directory"
	"github.com/mlowery/chatdir/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "chatdir",
	Short: "Cached workspace directory lookups",
	Long: `chatdir resolves channel names, usernames, and group handles to their
workspace ids through a local cache (SQLite, WAL mode) that refreshes
lazily from the remote directory API.

The cache file may be shared by any number of concurrent chatdir
processes; at most one of them performs a given refresh.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "cache database path (env CHATDIR_DB)")
	rootCmd.PersistentFlags().String("api-url", "https://slack.com", "directory API base URL (env CHATDIR_API_URL)")
	rootCmd.PersistentFlags().String("api-token", "", "directory API token (env CHATDIR_API_TOKEN)")
	rootCmd.PersistentFlags().String("log-file", "", "append logs to a rotated file instead of stderr (env CHATDIR_LOG_FILE)")

	viper.SetEnvPrefix("CHATDIR")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
	_ = viper.BindPFlag("api_token", rootCmd.PersistentFlags().Lookup("api-token"))
	_ = viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))
}

// storePath resolves the cache location: flag/env first, then the per-user
// default.
func storePath() (string, error) {
	if p := viper.GetString("db"); p != "" {
		return p, nil
	}
	return store.DefaultPath()
}

// newLogger builds the cache logger, routing through lumberjack rotation
// when a log file is configured.
func newLogger() *log.Logger {
	if path := viper.GetString("log_file"); path != "" {
		return log.New(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // MB
			MaxBackups: 3,
		}, "[cache] ", log.LstdFlags)
	}
	return log.New(os.Stderr, "[cache] ", log.LstdFlags)
}

// openCaches opens the store and wires the entity caches to the remote
// directory. The caller owns closing the returned store.
func openCaches() (*store.Store, *cache.Caches, error) {
	path, err := storePath()
	if err != nil {
		return nil, nil, err
	}

	s, err := store.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open cache at %s: %w", path, err)
	}

	src := directory.NewHTTPSource(viper.GetString("api_url"), viper.GetString("api_token"))
	return s, cache.New(s, src, newLogger()), nil
}
