package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/app"
	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

type singleOptions struct {
	withReviews bool
	save        bool
	headless    bool
}

func newSingleCmd() *cobra.Command {
	opts := &singleOptions{}
	cmd := &cobra.Command{
		Use:   "single <url>",
		Short: "Scrape one book page and print the record",
		Long: `Fetches and extracts a single book page outside of the queue and prints the
record as JSON. With --save the record is stored and the URL marked done.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSingle(cmd, args[0], opts)
		},
	}
	cmd.Flags().BoolVar(&opts.withReviews, "with-reviews", false, "also fetch the reviews page")
	cmd.Flags().BoolVar(&opts.save, "save", false, "store the record in the queue store")
	cmd.Flags().BoolVar(&opts.headless, "headless", false, "render the page in headless Chrome")
	return cmd
}

func runSingle(cmd *cobra.Command, rawURL string, opts *singleOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	url, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return err
	}
	w, err := appInstance.Worker(app.WorkerOptions{ForceHeadless: opts.headless})
	if err != nil {
		return err
	}
	record, err := w.Scrape(cmd.Context(), url, opts.withReviews)
	if err != nil {
		return fmt.Errorf("scrape %s: %w", url, err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(record); err != nil {
		return fmt.Errorf("print record: %w", err)
	}

	if opts.save {
		if err := appInstance.GetStore().SaveRecord(cmd.Context(), record); err != nil {
			return fmt.Errorf("save record: %w", err)
		}
		appInstance.GetLogger().Info("record saved", zap.String("url", url))
	}
	return nil
}
