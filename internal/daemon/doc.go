// Package daemon coordinates the long-running fringe process.
//
// It wires queue storage, the arrival indexer, the clustering engine, the
// conversion worker pool, the reconciliation sweeper, metrics, and alerting
// into a single lifecycle with flock-based locking to prevent multiple
// instances. The daemon also exposes the operator surface the IPC server
// serves: status, listings, dead-letter resolution, product retirement,
// anomaly handling, manual observation, and on-demand sweeps.
//
// Keep orchestration logic here: pipeline behavior lives in the component
// packages while the daemon focuses on startup, shutdown, and high level
// coordination.
package daemon
