package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func listCmd(flags *globalFlags) *cobra.Command {
	var (
		sourceIDs []string
		page      int
		size      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Newest stored uploads, across all channels or the given ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			if size == 0 {
				size = a.cfg.Settings.VideosPerChannel
			}
			p, err := a.store.ListPaginated(sourceIDs, page-1, size)
			if err != nil {
				return err
			}
			if p.Total == 0 {
				fmt.Println("Nothing stored yet. Run 'feedingtube refresh' or 'feedingtube backfill'.")
				return nil
			}

			watched, err := a.store.ConsumedIDs()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "\tPUBLISHED\tCHANNEL\tTITLE\tID")
			for _, it := range p.Items {
				mark := " "
				if _, ok := watched[it.ID]; ok {
					mark = "✓"
				}
				title := truncate(it.Title, 60)
				if it.IsShort {
					title = "[short] " + title
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					mark, ago(it.Published), truncate(it.SourceName, 20), title, it.ID)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			pages := (p.Total + p.PageSize - 1) / p.PageSize
			fmt.Printf("\nPage %d of %d (%d videos)\n", p.Page+1, pages, p.Total)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&sourceIDs, "source", "s", nil, "restrict to these source ids (repeatable)")
	cmd.Flags().IntVarP(&page, "page", "p", 1, "page number, from 1")
	cmd.Flags().IntVar(&size, "size", 0, "videos per page (default settings.videosPerChannel)")
	return cmd
}
