// Package scheduler decides which planned tasks can be dispatched right now,
// given what already succeeded, failed, or is still running.
package scheduler
