package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"fringe/internal/ipc"
)

func newGroupsCommand(ctx *commandContext) *cobra.Command {
	var statuses []string

	groupsCmd := &cobra.Command{
		Use:   "groups",
		Short: "List observation groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.GroupList(statuses)
				if err != nil {
					return err
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, resp)
				}
				stdout := cmd.OutOrStdout()
				if len(resp.Groups) == 0 {
					fmt.Fprintln(stdout, "No observation groups")
					return nil
				}
				rows := make([][]string, 0, len(resp.Groups))
				for _, group := range resp.Groups {
					rows = append(rows, []string{
						group.GroupKey,
						group.Status,
						fmt.Sprintf("%d/%d", group.MemberCount, group.ExpectedCount),
						formatTime(group.AnchorTime),
						formatTimePtr(group.CompletedAt),
					})
				}
				fmt.Fprintln(stdout, renderTable(
					[]string{"Group", "Status", "Fragments", "Anchor", "Completed"},
					rows, 2))
				return nil
			})
		},
	}
	groupsCmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by group status: open, complete, stale (repeatable)")

	groupsCmd.AddCommand(newGroupsDescribeCommand(ctx))
	return groupsCmd
}

func newGroupsDescribeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <group-key>",
		Short: "Show one group and its member fragments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupKey := strings.TrimSpace(args[0])
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.GroupDescribe(groupKey)
				if err != nil {
					return err
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, resp)
				}
				stdout := cmd.OutOrStdout()
				group := resp.Group
				fmt.Fprintf(stdout, "Group:     %s\n", group.GroupKey)
				fmt.Fprintf(stdout, "Status:    %s\n", group.Status)
				fmt.Fprintf(stdout, "Fragments: %d of %d expected\n", group.MemberCount, group.ExpectedCount)
				fmt.Fprintf(stdout, "Anchor:    %s\n", formatTime(group.AnchorTime))
				if group.CompletedAt != nil {
					fmt.Fprintf(stdout, "Completed: %s\n", formatTime(*group.CompletedAt))
				}
				if len(resp.Fragments) == 0 {
					return nil
				}
				rows := make([][]string, 0, len(resp.Fragments))
				for _, frag := range resp.Fragments {
					dec := "-"
					if frag.DecDegrees != nil {
						dec = strconv.FormatFloat(*frag.DecDegrees, 'f', 2, 64)
					}
					rows = append(rows, []string{
						strconv.Itoa(frag.Ordinal),
						frag.Path,
						humanBytes(frag.ByteSize),
						dec,
						formatTime(frag.ObservedAt),
					})
				}
				fmt.Fprintln(stdout, renderTable(
					[]string{"Ordinal", "Path", "Size", "Dec", "Observed"},
					rows, 0, 2))
				return nil
			})
		},
	}
}
