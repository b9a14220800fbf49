// Package main hosts the fringe CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into IPC calls
// against the daemon: group and job inspection, dead-letter resolution,
// product registry queries, anomaly review, manual fragment observation,
// sweep triggers, and event tailing. It centralizes configuration resolution
// and socket discovery so subcommands can focus on presentation.
//
// Keep this package lean: add new functionality to the internal packages
// first, then surface it here through a dedicated command or flag.
package main
