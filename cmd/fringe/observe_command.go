package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"fringe/internal/ipc"
)

func newObserveCommand(ctx *commandContext) *cobra.Command {
	var decDegrees float64

	cmd := &cobra.Command{
		Use:   "observe <path> [path ...]",
		Short: "Record fragment arrivals by hand",
		Long: "Record fragment arrivals by hand. Each path must be an existing " +
			"subband file named <capture>_sbNN.hdf5; indexing is idempotent, so " +
			"re-observing a known fragment is a no-op.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dec *float64
			if cmd.Flags().Changed("dec") {
				dec = &decDegrees
			}
			return ctx.withClient(func(client *ipc.Client) error {
				stdout := cmd.OutOrStdout()
				for _, arg := range args {
					absPath, err := filepath.Abs(arg)
					if err != nil {
						return fmt.Errorf("resolve path: %w", err)
					}
					info, err := os.Stat(absPath)
					if err != nil {
						if errors.Is(err, os.ErrNotExist) {
							return fmt.Errorf("file does not exist: %s", absPath)
						}
						return fmt.Errorf("inspect file: %w", err)
					}
					if info.IsDir() {
						return fmt.Errorf("%s is a directory", absPath)
					}

					resp, err := client.Observe(absPath, dec)
					if err != nil {
						return err
					}
					if ctx.jsonMode() {
						if err := writeJSON(cmd, resp); err != nil {
							return err
						}
						continue
					}
					frag := resp.Fragment
					if resp.Created {
						fmt.Fprintf(stdout, "Observed %s (capture %s, subband %02d)\n",
							filepath.Base(absPath), formatTime(frag.CaptureTime), frag.Ordinal)
					} else {
						fmt.Fprintf(stdout, "Already indexed: %s (capture %s, subband %02d)\n",
							filepath.Base(absPath), formatTime(frag.CaptureTime), frag.Ordinal)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&decDegrees, "dec", 0, "Declination in degrees recorded on the fragment")
	return cmd
}
