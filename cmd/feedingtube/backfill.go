package main

import (
	"context"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/abelbrown/feedingtube/internal/backfill"
	"github.com/abelbrown/feedingtube/internal/logging"
	"github.com/abelbrown/feedingtube/internal/store"
	"github.com/abelbrown/feedingtube/internal/ui/progress"
)

func backfillCmd(flags *globalFlags) *cobra.Command {
	var all, plain bool

	cmd := &cobra.Command{
		Use:   "backfill <source-id>... | --all",
		Short: "Fetch the full upload history of channels",
		Long: `List every upload of each channel with yt-dlp, then fetch details for
the ones not stored yet. Progress is written to the store as it goes, so
an interrupted backfill keeps what it fetched; re-run to continue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("give source ids or --all, not both")
			}

			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			sources, err := resolveSources(a.store, args, all)
			if err != nil {
				return err
			}
			if len(sources) == 0 {
				fmt.Println("No subscriptions to backfill.")
				return nil
			}

			ctx, cancel := signalContext()
			defer cancel()

			yt := a.ytdlp()
			b := backfill.New(a.store, yt, yt, backfill.Options{
				ListMax:       a.cfg.Backfill.ListMax,
				BatchSize:     a.cfg.Backfill.BatchSize,
				Concurrency:   a.cfg.Backfill.Concurrency,
				FlushEvery:    a.cfg.Backfill.FlushEvery,
				ProgressEvery: a.cfg.Backfill.ProgressEvery,
				Events:        a.events,
			})

			if plain {
				return backfillPlain(ctx, b, sources)
			}
			return backfillTUI(ctx, cancel, b, sources, a)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "backfill every subscription")
	cmd.Flags().BoolVar(&plain, "plain", false, "print progress lines instead of the interactive view")
	return cmd
}

// resolveSources looks up the requested ids, or returns every source.
func resolveSources(st *store.Store, ids []string, all bool) ([]store.Source, error) {
	if all {
		return st.Sources()
	}
	var out []store.Source
	for _, id := range ids {
		src, ok, err := st.Source(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%s: %w", id, store.ErrSourceNotFound)
		}
		out = append(out, src)
	}
	return out, nil
}

func backfillPlain(ctx context.Context, b *backfill.Backfiller, sources []store.Source) error {
	var failed int
	for _, src := range sources {
		if ctx.Err() != nil {
			break
		}
		fmt.Printf("%s (%s)\n", src.Name, src.ID)
		res, err := b.Backfill(ctx, src, func(done, total int) {
			fmt.Printf("  %d/%d\n", done, total)
		})
		if err != nil {
			failed++
			logging.Error("Backfill failed", "source", src.ID, "error", err)
			fmt.Printf("  ✗ %v\n", err)
			continue
		}
		fmt.Printf("  ✓ +%d new, %d skipped, %d failed\n", res.Added, res.Skipped, res.Failed)
		if res.Err != "" {
			fmt.Printf("  stopped early: %s\n", res.Err)
		}
	}
	if ctx.Err() != nil {
		fmt.Println("\nInterrupted. Re-run to continue.")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d source(s) failed", failed, len(sources))
	}
	return nil
}

func backfillTUI(ctx context.Context, cancel context.CancelFunc, b *backfill.Backfiller, sources []store.Source, a *app) error {
	p := tea.NewProgram(progress.New(a.ring, cancel))

	go func() {
		for _, src := range sources {
			p.Send(progress.QueueMsg{SourceID: src.ID, Name: src.Name})
		}
		for _, src := range sources {
			if ctx.Err() != nil {
				p.Send(progress.SourceDoneMsg{SourceID: src.ID, Err: ctx.Err()})
				continue
			}
			p.Send(progress.StartMsg{SourceID: src.ID})
			res, err := b.Backfill(ctx, src, func(done, total int) {
				p.Send(progress.ProgressMsg{SourceID: src.ID, Done: done, Total: total})
			})
			if err != nil {
				logging.Error("Backfill failed", "source", src.ID, "error", err)
			}
			p.Send(progress.SourceDoneMsg{SourceID: src.ID, Result: res, Err: err})
		}
		p.Send(progress.FinishedMsg{})
	}()

	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress view: %w", err)
	}
	if m, ok := final.(progress.Model); ok {
		if _, _, sourcesFailed := m.Totals(); sourcesFailed > 0 {
			return fmt.Errorf("%d of %d source(s) failed", sourcesFailed, len(sources))
		}
	}
	return nil
}
