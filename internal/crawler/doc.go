// Package crawler holds the shared vocabulary of the harvester: queue entries and
// their statuses, extracted records, the typed fetch and extraction errors used to
// classify failures, and the interfaces implemented by stores, fetchers,
// extractors and the supporting infrastructure.
//
// Nothing in this package performs I/O. Concrete implementations live in sibling
// packages (store/sqlite, fetcher/colly, extract, discovery, dispatcher, ...).
package crawler
