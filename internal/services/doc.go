// Package services defines shared utilities consumed by the pipeline
// components and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, component names, and correlation
//     identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that keep failure
//     classification (retryable vs permanent) uniform across components.
//
// Use these helpers when wiring new component logic so operational behaviour
// (error handling, observability, retries) stays consistent.
package services
