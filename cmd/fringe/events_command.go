package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"fringe/internal/events"
	"fringe/internal/ipc"
)

const followWaitMillis = 5000

func newEventsCommand(ctx *commandContext) *cobra.Command {
	var follow bool
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent pipeline events, optionally following new ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				stdout := cmd.OutOrStdout()

				history, err := client.EventHistory(limit)
				if err != nil {
					return err
				}
				if ctx.jsonMode() && !follow {
					return writeJSON(cmd, history)
				}
				for _, evt := range history.Events {
					printEvent(cmd, evt, ctx.jsonMode())
				}
				if !follow {
					if len(history.Events) == 0 && !ctx.jsonMode() {
						fmt.Fprintln(stdout, "No events recorded")
					}
					return nil
				}

				// Anchor the live tail at the current buffer head so follow
				// output continues from what the history replay showed.
				head, err := client.Events(ipc.EventsRequest{Limit: 1})
				if err != nil {
					return err
				}
				cursor := head.Next

				for {
					select {
					case <-cmd.Context().Done():
						return nil
					default:
					}
					resp, err := client.Events(ipc.EventsRequest{
						Since:      cursor,
						Limit:      100,
						WaitMillis: followWaitMillis,
					})
					if err != nil {
						return err
					}
					for _, evt := range resp.Events {
						printEvent(cmd, evt, ctx.jsonMode())
					}
					if resp.Next > cursor {
						cursor = resp.Next
					}
				}
			})
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep the connection open and stream new events")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of recent events to replay")
	return cmd
}

func printEvent(cmd *cobra.Command, evt events.Event, jsonMode bool) {
	if jsonMode {
		_ = writeJSON(cmd, evt)
		return
	}
	w := cmd.OutOrStdout()
	var sb strings.Builder
	sb.WriteString(formatTime(evt.Timestamp))
	sb.WriteString("  ")
	sb.WriteString(fmt.Sprintf("%-22s", string(evt.Type)))
	if evt.GroupKey != "" {
		sb.WriteString(" group=")
		sb.WriteString(evt.GroupKey)
	}
	if evt.JobID > 0 {
		sb.WriteString(fmt.Sprintf(" job=%d", evt.JobID))
	}
	if evt.Message != "" {
		sb.WriteString("  ")
		sb.WriteString(evt.Message)
	}
	if len(evt.Fields) > 0 {
		keys := make([]string, 0, len(evt.Fields))
		for key := range evt.Fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			sb.WriteString(fmt.Sprintf(" %s=%s", key, evt.Fields[key]))
		}
	}
	fmt.Fprintln(w, sb.String())
}
