// The main package for the harvester executable.
//
// Architecture overview:
//   - Discovery: internal/discovery walks catalog listings or the sitemap tree named in
//     robots.txt and enqueues book URLs into the work queue store.
//   - Work queue: internal/store keeps one entry per URL with a status, an attempt counter
//     and a claim lease. sqlite (gorm) is the default backend; postgres (pgx) and memory
//     are alternatives.
//   - Crawl: internal/dispatcher claims batches, fans them out to a bounded worker pool
//     and schedules retries. internal/worker fetches politely, extracts JSON-LD or meta
//     data, optionally fetches reviews, and commits the record with the Done transition.
//   - Export: internal/export writes xlsx, csv or json locally or to a gs:// bucket.
//
// Run "harvester --help" for the command list.
package main

import (
	"github.com/JakeFAU/catalog-harvester/cmd"
)

func main() {
	cmd.Execute()
}
