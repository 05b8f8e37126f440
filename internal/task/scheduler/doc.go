// Package scheduler turns cadence strings into triggers.
//
// It is trigger-only: each firing enqueues a job into the engine, which owns
// execution, overlap gating and history.
package scheduler
