package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abelbrown/feedingtube/internal/config"
)

func importLegacyCmd(flags *globalFlags) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "import-legacy",
		Short: "Import subscriptions.json, watched.json and videos.json from the old JSON layout",
		Long: `One-time import of the JSON state files kept by earlier versions.
Every command already does this from ~/.config/youtube-cli on startup;
use --dir to import from somewhere else before the first run. Each file
is imported on its own; a damaged file is reported and left in place.
Imported files are moved to <dir>/backup. After the first import this
does nothing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags, false)
			if err != nil {
				return err
			}
			defer a.close()

			if dir == "" {
				dir = config.LegacyDir()
			}
			res, err := a.store.ImportLegacy(dir)
			if err != nil {
				return err
			}
			if res.AlreadyDone {
				fmt.Println("Legacy import already done.")
				return nil
			}

			fmt.Printf("Imported %d subscription(s), %d video(s), %d watched mark(s), %d view mark(s)\n",
				res.Sources, res.Items, res.Watched, res.Views)
			for _, f := range res.Failures {
				fmt.Printf("  ✗ %s: %s\n", f.File, f.Reason)
			}
			for _, f := range res.BackedUpFiles {
				fmt.Printf("  moved %s to backup/\n", f)
			}

			if len(res.Settings) > 0 {
				merged, skipped := a.cfg.MergeLegacySettings(res.Settings)
				if len(skipped) > 0 {
					fmt.Printf("  skipped settings with unexpected values: %v\n", skipped)
				}
				if len(merged) > 0 {
					if err := a.cfg.Save(); err != nil {
						return fmt.Errorf("save merged settings: %w", err)
					}
					fmt.Printf("  merged settings into %s: %v\n", a.cfg.Path(), merged)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory holding the legacy files (default: ~/.config/youtube-cli)")
	return cmd
}
