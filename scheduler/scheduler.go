// Package scheduler runs the gateway's periodic maintenance:
// - nightly incremental sync over the configured symbol universe
// - health snapshot persistence
// - stale sync task reconciliation
// - rate-limit window and cache eviction
// - daily request statistics rollup and log retention
//
// Jobs are registered in jobs.go
package scheduler
