// Package store holds the queue policy shared by every work queue implementation
// (retry eligibility, claim ordering, error truncation). Implementations live in
// the sqlite, postgres and memory subpackages; this package must not import
// database drivers or concrete clients.
package store
