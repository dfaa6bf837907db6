package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := appInstance.GetStore().CountByStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("count by status: %w", err)
			}
			renderStatus(cmd, counts)
			return nil
		},
	}
}

func renderStatus(cmd *cobra.Command, counts crawler.StatusCounts) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Status", "Entries"})
	for _, status := range crawler.AllStatuses {
		t.AppendRow(table.Row{string(status), counts[status]})
	}
	t.AppendFooter(table.Row{"Total", counts.Total()})
	t.Render()
}
