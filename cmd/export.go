package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-harvester/internal/storage/gcs"
)

func newExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write harvested records to a spreadsheet, CSV or JSON file",
		Long: `Writes every stored record to --out. The format follows the extension:
.xlsx (Books and Reviews sheets), .csv (books only) or .json.
A gs://bucket/object destination uploads to Cloud Storage; when
export.gcs_bucket is set, local paths are uploaded to that bucket instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.GetConfig()
			dest := cfg.Export.Out
			if cmd.Flags().Changed("out") {
				dest = out
			}
			dest = exportDestination(dest, cfg.Export.GCSBucket)

			records, err := appInstance.GetStore().ListRecords(cmd.Context())
			if err != nil {
				return fmt.Errorf("list records: %w", err)
			}
			summary, err := appInstance.Exporter().Export(cmd.Context(), records, dest)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d books and %d reviews to %s (sha256 %s)\n",
				summary.Books, summary.Reviews, summary.URI, summary.SHA256)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "destination path (default export.out)")
	return cmd
}

// exportDestination routes local paths to bucket when one is configured.
func exportDestination(dest, bucket string) string {
	if bucket == "" || strings.HasPrefix(dest, gcs.Scheme) {
		return dest
	}
	return gcs.Scheme + strings.Trim(bucket, "/") + "/" + filepath.Base(dest)
}
