package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"fringe/internal/ipc"
)

func newTestAlertCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-alert",
		Short: "Send a test alert through the configured webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.TestAlert()
				if err != nil {
					if resp != nil && resp.Message != "" {
						fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
					}
					return err
				}
				if resp == nil {
					return errors.New("missing alert response")
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, resp)
				}
				switch {
				case resp.Message != "":
					fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
				case resp.Sent:
					fmt.Fprintln(cmd.OutOrStdout(), "Test alert sent")
				default:
					fmt.Fprintln(cmd.OutOrStdout(), "Alert not sent")
				}
				return nil
			})
		},
	}
}
