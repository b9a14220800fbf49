// Package config loads, normalizes, and validates fringe configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// FRINGE_WEBHOOK_URL. The Config type centralizes every knob the daemon and
// CLI need, so incoming/artifact directories, clustering tolerances, and
// queue timing are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
