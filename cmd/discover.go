package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/discovery"
)

type discoverOptions struct {
	limit  int
	method string
}

func newDiscoverCmd() *cobra.Command {
	opts := &discoverOptions{}
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find book URLs and add them to the queue",
		Long: `Walks the catalog listings (method "catalog") or the sitemap tree advertised
in robots.txt (method "sitemap") and enqueues every book URL found.
URLs already in the queue keep their state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDiscover(cmd, opts)
		},
	}
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "stop after this many URLs (0 uses discovery.limit)")
	cmd.Flags().StringVar(&opts.method, "method", "", "catalog or sitemap (default discovery.method)")
	return cmd
}

func runDiscover(cmd *cobra.Command, opts *discoverOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.GetConfig()
	method, limit := cfg.Discovery.Method, cfg.Discovery.Limit
	if cmd.Flags().Changed("method") {
		method = opts.method
	}
	if cmd.Flags().Changed("limit") {
		limit = opts.limit
	}
	return discover(cmd, appInstance, method, limit)
}

func discover(cmd *cobra.Command, appInstance App, method string, limit int) error {
	method, err := discovery.ParseMethod(method)
	if err != nil {
		return err
	}
	res, err := appInstance.Discovery().Run(cmd.Context(), method, limit)
	if errors.Is(err, crawler.ErrNoSitemapFound) {
		appInstance.GetLogger().Warn("no sitemap advertised; nothing discovered", zap.String("method", method))
		fmt.Fprintln(cmd.OutOrStdout(), "discovery: no sitemap found; try --method catalog")
		err = nil
	}
	if err != nil {
		appInstance.GetLogger().Error("discovery failed", zap.String("method", method), zap.Error(err))
		return fmt.Errorf("discover: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "discovery (%s): %d found, %d new, %d already queued, %d rejected\n",
		res.Method, res.Emitted, res.Inserted, res.Existing, res.Rejected)
	return nil
}
