// Package monitor provides resource monitoring for running sandbox sessions.
//
// The monitor package samples a running session's resource consumption on a
// fixed interval, compares each sample against the owning policy's ceilings,
// and raises alerts when thresholds are crossed. Samples are pushed to
// subscribers over non-blocking channels so a slow subscriber can never
// stall execution. A critical memory alert triggers the emergency
// termination path automatically.
//
// Monitoring stops the instant a session leaves the running state; all
// subscribers receive a final session-end event so they can detach without
// polling a dead session.
package monitor
