// Package ipc exposes the daemon over JSON-RPC Unix sockets and ships the
// matching client used by the CLI.
//
// It owns socket lifecycle management, request/response DTOs, and conversions
// between queue models and lightweight wire representations. The long-poll
// Events method bounds its wait server-side so a stalled follower never pins
// a connection.
package ipc
