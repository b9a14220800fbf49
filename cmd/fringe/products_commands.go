package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fringe/internal/ipc"
)

func newProductsCommand(ctx *commandContext) *cobra.Command {
	var missingOnly bool

	productsCmd := &cobra.Command{
		Use:   "products",
		Short: "List registered conversion artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ProductList(missingOnly)
				if err != nil {
					return err
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, resp)
				}
				stdout := cmd.OutOrStdout()
				if len(resp.Products) == 0 {
					if missingOnly {
						fmt.Fprintln(stdout, "No products with missing artifacts")
					} else {
						fmt.Fprintln(stdout, "No registered products")
					}
					return nil
				}
				rows := make([][]string, 0, len(resp.Products))
				for _, product := range resp.Products {
					stored := "yes"
					if !product.Stored {
						stored = "missing since " + formatTimePtr(product.MissingSince)
					}
					rows = append(rows, []string{
						product.GroupKey,
						truncateText(product.Fingerprint, 20),
						product.ArtifactPath,
						humanBytes(product.ByteSize),
						product.Provenance,
						stored,
					})
				}
				fmt.Fprintln(stdout, renderTable(
					[]string{"Group", "Fingerprint", "Artifact", "Size", "Provenance", "Stored"},
					rows, 3))
				return nil
			})
		},
	}
	productsCmd.Flags().BoolVar(&missingOnly, "missing", false, "Show only products whose artifacts are missing from storage")

	productsCmd.AddCommand(newProductsRetireCommand(ctx))
	return productsCmd
}

func newProductsRetireCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retire <fingerprint>",
		Short: "Remove a product registry row (the artifact itself is untouched)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fingerprint := strings.TrimSpace(args[0])
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ProductRetire(fingerprint)
				if err != nil {
					return err
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retired product for group %s (artifact %s remains on disk)\n",
					resp.Product.GroupKey, resp.Product.ArtifactPath)
				return nil
			})
		},
	}
}
