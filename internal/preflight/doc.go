// Package preflight provides readiness checks for the filesystem paths and
// the external converter that fringe depends on.
//
// These checks run in two contexts:
//   - The daemon runs RunAll at startup and logs every failure before the
//     pipeline begins, so a bad mount or a missing converter is visible in
//     the first screen of the log instead of as the first dead-lettered job.
//   - The status surfaces (IPC and CLI) re-run the checks on demand to show
//     current readiness.
package preflight
