// Package inventory persists the set of radio sensors seen by the gateway.
//
// Every decoded reading carries a sensor id; the inventory records when
// each id was first and most recently observed, building a database of
// known sensors over time without manual configuration.
//
// The package provides a Repository interface with a SQLite implementation.
//
// # Thread Safety
//
// SQLiteRepository is safe for concurrent use from multiple goroutines
// (SQLite WAL mode + busy timeout).
package inventory
