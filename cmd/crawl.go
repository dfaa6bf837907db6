package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/api"
	"github.com/JakeFAU/catalog-harvester/internal/app"
)

const shutdownTimeout = 5 * time.Second

type crawlOptions struct {
	workers       int
	limit         int
	withReviews   bool
	discover      bool
	discoverLimit int
}

// newCrawlCmd creates the 'crawl' subcommand, which drains the work queue.
func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Process queued book URLs",
		Long: `Claims queued URLs in batches and processes them with a bounded worker pool.
Transient failures are retried with backoff up to queue.max_attempts. The run
ends when the queue is exhausted, the limit is reached or it is interrupted;
an interrupted run resumes on the next invocation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, opts)
		},
	}
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "concurrent workers (0 uses crawl.workers)")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "process at most this many entries (0 uses crawl.limit)")
	cmd.Flags().BoolVar(&opts.withReviews, "with-reviews", false, "also fetch each book's reviews page")
	cmd.Flags().BoolVar(&opts.discover, "discover", false, "run discovery before crawling")
	cmd.Flags().IntVar(&opts.discoverLimit, "discover-limit", 0, "limit for the discovery run (0 uses discovery.limit)")
	return cmd
}

func runCrawl(cmd *cobra.Command, opts *crawlOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.GetConfig()
	logger := appInstance.GetLogger()
	flags := cmd.Flags()

	workers, limit, withReviews := cfg.Crawl.Workers, cfg.Crawl.Limit, cfg.Crawl.WithReviews
	if flags.Changed("workers") {
		if opts.workers <= 0 {
			return fmt.Errorf("--workers must be > 0")
		}
		workers = opts.workers
	}
	if flags.Changed("limit") {
		limit = opts.limit
	}
	if flags.Changed("with-reviews") {
		withReviews = opts.withReviews
	}

	if opts.discover {
		discoverLimit := cfg.Discovery.Limit
		if flags.Changed("discover-limit") {
			discoverLimit = opts.discoverLimit
		}
		if err := discover(cmd, appInstance, cfg.Discovery.Method, discoverLimit); err != nil {
			return err
		}
	}

	if addr := cfg.Metrics.ListenAddr; addr != "" {
		server := api.NewServer(appInstance.GetStore(), logger)
		if _, err := server.Start(addr); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				logger.Warn("failed to stop http server", zap.Error(err))
			}
		}()
	}

	w, err := appInstance.Worker(app.WorkerOptions{WithReviews: withReviews})
	if err != nil {
		return err
	}
	logger.Info("crawl starting",
		zap.Int("workers", workers),
		zap.Int("limit", limit),
		zap.Bool("with_reviews", withReviews),
	)
	stats, err := appInstance.Dispatcher(w, workers, limit).Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("run crawl: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "crawl: %d claimed, %d done, %d retried, %d failed, %d lost\n",
		stats.Claimed, stats.Done, stats.Retried, stats.Failed, stats.Lost)
	if cmd.Context().Err() != nil {
		fmt.Fprintln(out, "interrupted; run crawl again to resume")
	}
	return nil
}
