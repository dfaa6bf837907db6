package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

func newAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <url>...",
		Short: "Add book URLs to the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			urls := make([]string, 0, len(args))
			for _, raw := range args {
				url, err := crawler.NormalizeURL(raw)
				if err != nil {
					return err
				}
				urls = append(urls, url)
			}

			var inserted, existing int
			for _, url := range urls {
				res, err := appInstance.GetStore().Enqueue(cmd.Context(), url)
				if err != nil {
					return fmt.Errorf("enqueue %s: %w", url, err)
				}
				if res == crawler.Inserted {
					inserted++
				} else {
					existing++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %d, already queued %d\n", inserted, existing)
			return nil
		},
	}
}
