package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"fringe/internal/ipc"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check pipeline counters and state database health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				queueHealth, err := client.QueueHealth()
				if err != nil {
					return err
				}
				dbHealth, err := client.DatabaseHealth()
				if err != nil {
					return err
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, struct {
						Queue    *ipc.QueueHealthResponse    `json:"queue"`
						Database *ipc.DatabaseHealthResponse `json:"database"`
					}{queueHealth, dbHealth})
				}

				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, line := range renderSectionHeader("Pipeline Counters", colorize) {
					fmt.Fprintln(out, line)
				}
				fmt.Fprintln(out, renderTable([]string{"Metric", "Count"}, buildHealthRows(*queueHealth), 1))

				for _, line := range renderSectionHeader("State Database", colorize) {
					fmt.Fprintln(out, line)
				}
				fmt.Fprintf(out, "Database path: %s\n", dbHealth.DBPath)
				fmt.Fprintf(out, "Database exists: %s\n", yesNo(dbHealth.DatabaseExists))
				fmt.Fprintf(out, "Readable: %s\n", yesNo(dbHealth.DatabaseReadable))
				fmt.Fprintf(out, "Schema version: %s\n", dbHealth.SchemaVersion)
				if len(dbHealth.TablesPresent) > 0 {
					tables := append([]string(nil), dbHealth.TablesPresent...)
					sort.Strings(tables)
					fmt.Fprintf(out, "Tables: %s\n", strings.Join(tables, ", "))
				}
				if len(dbHealth.MissingTables) > 0 {
					missing := append([]string(nil), dbHealth.MissingTables...)
					sort.Strings(missing)
					fmt.Fprintf(out, "Missing tables: %s\n", strings.Join(missing, ", "))
				} else {
					fmt.Fprintln(out, "Missing tables: none")
				}
				fmt.Fprintf(out, "Integrity check: %s\n", yesNo(dbHealth.IntegrityCheck))
				fmt.Fprintf(out, "Total jobs: %d\n", dbHealth.TotalJobs)
				if dbHealth.Error != "" {
					fmt.Fprintf(out, "Error: %s\n", dbHealth.Error)
				}
				return nil
			})
		},
	}
}
