// Package queue persists the ingestion pipeline's durable state in SQLite and
// exposes the transactional operations that drive it.
//
// The Store owns four families of records: indexed fragment arrivals,
// observation groups produced by temporal clustering, conversion jobs with
// lease-based dequeue semantics, and the product registry of successfully
// converted artifacts. Group completion and job creation happen in one
// transaction, as do job completion and product registration, so no observable
// state can hold a completed job without its registry row.
//
// Lease expiry and retry eligibility are evaluated lazily at selection time;
// there is no background expirer. Workers hold a lease only as long as they
// heartbeat, and every worker-submitted transition is validated against the
// current lease owner before it applies.
//
// Treat this package as the single source of truth for pipeline semantics;
// when you add new states or columns, update schema.sql and bump schemaVersion.
package queue
