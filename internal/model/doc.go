// Package model holds the planner's data types: tasks, slots, snapshots,
// plans, learned rules and the run log records.
package model
