package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/headlines/internal/scrape"
)

func newScrapeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scrape",
		Short: "Runs the pipeline once and prints the inserted articles",
		Long: `Fetches the listing page, extracts and deduplicates articles, stores
the new ones, and writes {"inserted": [...], "count": n} to stdout.`,
		RunE: withRuntime(func(cmd *cobra.Command, rt *runtime) error {
			res, err := rt.app.Pipeline().Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("scrape: %w", err)
			}
			inserted := res.Inserted
			if inserted == nil {
				inserted = []scrape.Article{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(map[string]any{"inserted": inserted, "count": len(inserted)}); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			return nil
		}),
	}
}
