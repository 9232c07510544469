package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/abelbrown/feedingtube/internal/coord"
	"github.com/abelbrown/feedingtube/internal/logging"
)

func refreshCmd(flags *globalFlags) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Poll every channel's feed for new uploads",
		Long: `Fetch each subscribed channel's RSS feed and store uploads not seen
before. The feed only lists the newest uploads; use backfill for history.

With --watch, keep running and refresh every refresh.interval until
interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			r := coord.NewRefresher(a.store, a.feed(), coord.Options{
				BatchSize:    a.cfg.Refresh.BatchSize,
				FetchTimeout: time.Duration(a.cfg.Refresh.FetchTimeout),
				Interval:     time.Duration(a.cfg.Refresh.Interval),
				Events:       a.events,
			})

			if !watch {
				sources, err := a.store.Sources()
				if err != nil {
					return err
				}
				added, err := r.RefreshAll(ctx, sources)
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				fmt.Printf("✓ %d new video(s) from %d channel(s)\n", added, len(sources))
				return nil
			}

			fmt.Printf("Refreshing every %s (Ctrl+C to stop)\n", time.Duration(a.cfg.Refresh.Interval))
			r.Start(ctx, a.store.Sources, func(added int, err error) {
				ts := time.Now().Format("15:04:05")
				if err != nil && !errors.Is(err, context.Canceled) {
					logging.Error("Refresh cycle failed", "error", err)
					fmt.Printf("%s  refresh failed: %v\n", ts, err)
					return
				}
				fmt.Printf("%s  %d new video(s)\n", ts, added)
			})
			<-ctx.Done()
			r.Wait()
			fmt.Println("Stopped.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep refreshing on an interval")
	return cmd
}
