package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/abelbrown/feedingtube/internal/logging"
	"github.com/abelbrown/feedingtube/internal/store"
)

func addCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "add <channel-or-video-url>",
		Short: "Subscribe to a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			ch, err := a.ytdlp().ChannelInfo(ctx, args[0])
			if err != nil {
				return err
			}
			src := ch.Source()
			if err := a.store.AddSource(src); err != nil {
				if errors.Is(err, store.ErrSourceExists) {
					return fmt.Errorf("already subscribed to %s (%s)", src.Name, src.ID)
				}
				return err
			}
			logging.Info("Subscribed", "source", src.ID, "name", src.Name)
			fmt.Printf("✓ Subscribed to %s (%s)\n", src.Name, src.ID)
			fmt.Printf("  Run 'feedingtube backfill %s' to fetch its history.\n", src.ID)
			return nil
		},
	}
}

func removeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <source-id>",
		Short: "Unsubscribe from a channel (stored videos are kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.RemoveSource(args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Removed %s\n", args[0])
			return nil
		},
	}
}

func sourcesCmd(flags *globalFlags) *cobra.Command {
	var showShorts bool

	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List subscriptions with stored, unseen and fully-watched markers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			excludeShort := a.cfg.Settings.HideShorts && !showShorts

			sources, err := a.store.Sources()
			if err != nil {
				return err
			}
			if len(sources) == 0 {
				fmt.Println("No subscriptions. Add one with 'feedingtube add <url>'.")
				return nil
			}
			stats, err := a.store.SourceStats(excludeShort)
			if err != nil {
				return err
			}
			unseen, err := a.store.UnseenCountsPerSource(excludeShort)
			if err != nil {
				return err
			}
			done, err := a.store.FullyConsumedSources(excludeShort)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "\tNAME\tID\tVIDEOS\tNEW\tLATEST")
			for _, src := range sources {
				mark := " "
				if _, ok := done[src.ID]; ok {
					mark = "✓"
				}
				newCount := ""
				if n := unseen[src.ID]; n > 0 {
					newCount = fmt.Sprintf("%d", n)
				}
				st := stats[src.ID]
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					mark, truncate(src.Name, 32), src.ID, st.ItemCount, newCount, ago(st.LatestItem))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&showShorts, "shorts", false, "count shorts even when hideShorts is set")
	return cmd
}

func seenCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "seen [source-id...]",
		Short: "Mark channels as viewed, clearing their new counts (all when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			ids := args
			if len(ids) == 0 {
				sources, err := a.store.Sources()
				if err != nil {
					return err
				}
				for _, src := range sources {
					ids = append(ids, src.ID)
				}
			}
			if err := a.store.MarkAllSourcesViewed(ids); err != nil {
				return err
			}
			fmt.Printf("✓ Marked %d channel(s) as viewed\n", len(ids))
			return nil
		},
	}
}

func watchedCmd(flags *globalFlags) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "watched <video-id>... | --all <source-id>",
		Short: "Toggle a video's watched mark, or mark a whole channel watched",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			if all {
				var ids []string
				for _, sourceID := range args {
					items, err := a.store.ListBySource(sourceID)
					if err != nil {
						return err
					}
					for _, it := range items {
						ids = append(ids, it.ID)
					}
				}
				n, err := a.store.MarkAllConsumed(ids)
				if err != nil {
					return err
				}
				fmt.Printf("✓ Marked %d video(s) as watched\n", n)
				return nil
			}

			for _, id := range args {
				now, err := a.store.ToggleConsumed(id)
				if err != nil {
					return err
				}
				state := "unwatched"
				if now {
					state = "watched"
				}
				fmt.Printf("%s → %s\n", id, state)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "arguments are source ids; mark every stored video watched")
	return cmd
}
