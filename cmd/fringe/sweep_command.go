package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"fringe/internal/ipc"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run a reconciliation sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Sweep()
				if err != nil {
					return err
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, resp)
				}
				stdout := cmd.OutOrStdout()
				fmt.Fprintf(stdout, "Artifacts seen:     %s\n", formatCount(resp.ArtifactsSeen))
				fmt.Fprintf(stdout, "Re-registered:      %s\n", formatCount(resp.Registered))
				fmt.Fprintf(stdout, "Healed:             %s\n", formatCount(resp.Healed))
				fmt.Fprintf(stdout, "Orphans flagged:    %s\n", formatCount(resp.Orphans))
				fmt.Fprintf(stdout, "Dangling flagged:   %s\n", formatCount(resp.Dangling))
				fmt.Fprintf(stdout, "Jobs pruned:        %d\n", resp.PrunedJobs)
				fmt.Fprintf(stdout, "Free space:         %s\n", humanBytes(resp.FreeBytes))
				return nil
			})
		},
	}
}
