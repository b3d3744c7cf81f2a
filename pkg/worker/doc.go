// Package worker implements the vicky-worker claim loop: long-poll for a
// claimable task, run its flake reference through the external build
// tool, stream the tool's combined stdout/stderr back to the server in
// batches, and report SUCCESS or ERROR when it exits.
//
// Authentication goes through a cached OIDC client-credentials token
// rather than a static header, refreshed automatically as it nears
// expiry. Each claimed task runs in its own goroutine, so the claim loop
// keeps polling while earlier tasks are still running.
package worker
