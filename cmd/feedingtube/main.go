// Command feedingtube keeps a local archive of the YouTube channels you
// follow.
//
// Usage:
//
//	feedingtube add <url>            Subscribe to a channel
//	feedingtube refresh [--watch]    Poll every channel's feed for new uploads
//	feedingtube backfill <id>|--all  Fetch a channel's full upload history
//	feedingtube list                 Newest uploads across channels
//	feedingtube sources              Subscriptions with unseen counts
//	feedingtube events               JSONL event log viewer
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "feedingtube",
		Short: "Local archive of the YouTube channels you follow",
		Long: `feedingtube subscribes to YouTube channels, polls their feeds for new
uploads and backfills full upload history with yt-dlp. Everything is kept
in a local SQLite database under ~/.feeding-tube (or $FEEDINGTUBE_HOME).`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.home, "home", "", "data directory (default $FEEDINGTUBE_HOME or ~/.feeding-tube)")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log to stderr at debug level")

	rootCmd.AddCommand(addCmd(&flags))
	rootCmd.AddCommand(removeCmd(&flags))
	rootCmd.AddCommand(sourcesCmd(&flags))
	rootCmd.AddCommand(refreshCmd(&flags))
	rootCmd.AddCommand(backfillCmd(&flags))
	rootCmd.AddCommand(listCmd(&flags))
	rootCmd.AddCommand(watchedCmd(&flags))
	rootCmd.AddCommand(seenCmd(&flags))
	rootCmd.AddCommand(importLegacyCmd(&flags))
	rootCmd.AddCommand(eventsCmd(&flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
