package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fringe/internal/ipc"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start pipeline processing in a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Start()
				if err != nil {
					return err
				}
				stdout := cmd.OutOrStdout()
				if resp.Started {
					fmt.Fprintln(stdout, "Pipeline started")
					return nil
				}
				if strings.TrimSpace(resp.Message) != "" {
					fmt.Fprintln(stdout, resp.Message)
					return nil
				}
				fmt.Fprintln(stdout, "Pipeline was not started")
				return nil
			})
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop pipeline processing (the daemon process keeps serving IPC)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.Stop(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Pipeline stopped")
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, converter, and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Status()
				if err != nil {
					return err
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, resp)
				}
				printStatus(cmd, resp)
				return nil
			})
		},
	}

	return []*cobra.Command{startCmd, stopCmd, statusCmd}
}

func printStatus(cmd *cobra.Command, resp *ipc.StatusResponse) {
	stdout := cmd.OutOrStdout()
	colorize := shouldColorize(stdout)

	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(stdout, line)
	}
	if resp.Running {
		detail := fmt.Sprintf("pid %d, up %s, %d workers", resp.PID, formatAge(resp.StartedAt), resp.Workers)
		fmt.Fprintln(stdout, renderStatusLine("Pipeline", statusOK, detail, colorize))
	} else {
		fmt.Fprintln(stdout, renderStatusLine("Pipeline", statusWarn, "not running (fringe start)", colorize))
	}
	converterKind := statusError
	converterDetail := resp.Converter.Detail
	if resp.Converter.Available {
		converterKind = statusOK
		converterDetail = fmt.Sprintf("ready (command: %s)", resp.Converter.Command)
	}
	fmt.Fprintln(stdout, renderStatusLine("Converter", converterKind, converterDetail, colorize))
	fmt.Fprintln(stdout)

	for _, line := range renderSectionHeader("Readiness", colorize) {
		fmt.Fprintln(stdout, line)
	}
	for _, check := range resp.Checks {
		fmt.Fprintln(stdout, renderStatusLine(check.Name, passFail(check.Passed), check.Detail, colorize))
	}
	fmt.Fprintln(stdout)

	for _, line := range renderSectionHeader("Paths", colorize) {
		fmt.Fprintln(stdout, line)
	}
	fmt.Fprintf(stdout, "%sDatabase: %s\n", statusIndent, resp.DatabasePath)
	fmt.Fprintf(stdout, "%sSocket:   %s\n", statusIndent, resp.SocketPath)
	fmt.Fprintf(stdout, "%sLog:      %s\n", statusIndent, resp.LogPath)
	if resp.MetricsAddr != "" {
		fmt.Fprintf(stdout, "%sMetrics:  http://%s/metrics\n", statusIndent, resp.MetricsAddr)
	}
	fmt.Fprintln(stdout)

	for _, line := range renderSectionHeader("Pipeline Counters", colorize) {
		fmt.Fprintln(stdout, line)
	}
	rows := buildHealthRows(resp.Health)
	fmt.Fprintln(stdout, renderTable([]string{"Metric", "Count"}, rows, 1))
}

func buildHealthRows(h ipc.QueueHealthResponse) [][]string {
	return [][]string{
		{"Fragments indexed", formatCount(h.Fragments)},
		{"Fragments unassigned", formatCount(h.Unassigned)},
		{"Groups open", formatCount(h.GroupsOpen)},
		{"Groups complete", formatCount(h.GroupsComplete)},
		{"Groups stale", formatCount(h.GroupsStale)},
		{"Jobs pending", formatCount(h.JobsPending)},
		{"Jobs in flight", formatCount(h.JobsInFlight)},
		{"Jobs retrying", formatCount(h.JobsRetrying)},
		{"Jobs completed", formatCount(h.JobsCompleted)},
		{"Jobs dead-lettered", formatCount(h.JobsDeadLettered)},
		{"Products registered", formatCount(h.Products)},
		{"Anomalies open", formatCount(h.AnomaliesOpen)},
	}
}
