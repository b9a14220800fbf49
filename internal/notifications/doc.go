// Package notifications delivers operator alerts via a configured webhook.
//
// The default implementation POSTs a small JSON document to the webhook URL
// in config.toml and gracefully degrades to a no-op when no URL is set. A
// Relay subscribes to the daemon event bus and forwards the alert-worthy
// subset (dead letters, stale groups, sweep findings) according to the
// per-class configuration flags, so pipeline components never carry HTTP
// glue of their own.
//
// Extend this package if you need alternative transports; everything else
// depends only on the Service interface.
package notifications
