package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"fringe/internal/ipc"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var states []string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List conversion jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.JobList(states)
				if err != nil {
					return err
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, resp)
				}
				stdout := cmd.OutOrStdout()
				if len(resp.Jobs) == 0 {
					fmt.Fprintln(stdout, "No conversion jobs")
					return nil
				}
				fmt.Fprintln(stdout, renderTable(
					[]string{"ID", "Group", "State", "Attempts", "Updated", "Error"},
					buildJobRows(resp.Jobs), 0, 3))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&states, "state", "s", nil,
		"Filter by job state: pending, leased, running, completed, retrying, dead_lettered (repeatable)")
	return cmd
}

func buildJobRows(jobs []ipc.Job) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			strconv.FormatInt(job.ID, 10),
			job.GroupKey,
			job.State,
			fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts),
			formatTime(job.UpdatedAt),
			truncateText(job.ErrorMessage, 48),
		})
	}
	return rows
}

func newDeadLettersCommand(ctx *commandContext) *cobra.Command {
	deadCmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List dead-lettered jobs awaiting operator resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.DeadLetters()
				if err != nil {
					return err
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, resp)
				}
				stdout := cmd.OutOrStdout()
				if len(resp.Jobs) == 0 {
					fmt.Fprintln(stdout, "No dead-lettered jobs")
					return nil
				}
				rows := make([][]string, 0, len(resp.Jobs))
				for _, job := range resp.Jobs {
					rows = append(rows, []string{
						strconv.FormatInt(job.ID, 10),
						job.GroupKey,
						fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts),
						formatTimePtr(job.FinishedAt),
						truncateText(job.ErrorMessage, 64),
					})
				}
				fmt.Fprintln(stdout, renderTable(
					[]string{"ID", "Group", "Attempts", "Failed", "Error"},
					rows, 0))
				fmt.Fprintln(stdout, "Resolve with: fringe dead-letters resolve <id> [--requeue]")
				return nil
			})
		},
	}

	deadCmd.AddCommand(newResolveDeadLetterCommand(ctx))
	return deadCmd
}

func newResolveDeadLetterCommand(ctx *commandContext) *cobra.Command {
	var note string
	var requeue bool

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a dead-lettered job, optionally requeueing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ResolveDeadLetter(id, note, requeue)
				if err != nil {
					return err
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, resp)
				}
				stdout := cmd.OutOrStdout()
				if requeue {
					fmt.Fprintf(stdout, "Job %d resolved and requeued (state: %s)\n", resp.Job.ID, resp.Job.State)
				} else {
					fmt.Fprintf(stdout, "Job %d resolved\n", resp.Job.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "Resolution note recorded on the job")
	cmd.Flags().BoolVar(&requeue, "requeue", false, "Requeue the job for another conversion attempt")
	return cmd
}
