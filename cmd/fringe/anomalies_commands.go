package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"fringe/internal/ipc"
)

func newAnomaliesCommand(ctx *commandContext) *cobra.Command {
	var includeResolved bool

	anomaliesCmd := &cobra.Command{
		Use:   "anomalies",
		Short: "List data integrity findings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.AnomalyList(includeResolved)
				if err != nil {
					return err
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, resp)
				}
				stdout := cmd.OutOrStdout()
				if len(resp.Anomalies) == 0 {
					fmt.Fprintln(stdout, "No open anomalies")
					return nil
				}
				rows := make([][]string, 0, len(resp.Anomalies))
				for _, anomaly := range resp.Anomalies {
					resolved := "-"
					if anomaly.ResolvedAt != nil {
						resolved = formatTime(*anomaly.ResolvedAt)
					}
					rows = append(rows, []string{
						strconv.FormatInt(anomaly.ID, 10),
						anomaly.Scope,
						anomaly.Kind,
						truncateText(anomaly.Subject, 40),
						truncateText(anomaly.Detail, 56),
						resolved,
					})
				}
				fmt.Fprintln(stdout, renderTable(
					[]string{"ID", "Scope", "Kind", "Subject", "Detail", "Resolved"},
					rows, 0))
				return nil
			})
		},
	}
	anomaliesCmd.Flags().BoolVar(&includeResolved, "all", false, "Include resolved anomalies")

	anomaliesCmd.AddCommand(newAnomaliesResolveCommand(ctx))
	return anomaliesCmd
}

func newAnomaliesResolveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id>",
		Short: "Acknowledge an anomaly so it no longer blocks or alerts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid anomaly id %q", args[0])
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.AnomalyResolve(id)
				if err != nil {
					return err
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, resp)
				}
				stdout := cmd.OutOrStdout()
				if resp.Resolved {
					fmt.Fprintf(stdout, "Anomaly %d resolved\n", id)
				} else {
					fmt.Fprintf(stdout, "Anomaly %d was already resolved\n", id)
				}
				return nil
			})
		},
	}
}
