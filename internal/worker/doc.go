// Package worker executes delegated tasks.
//
// A Runtime polls the queue for every registered agent, claims work,
// attaches memory context and hands the task to the agent's handler under
// a deadline. Handler output flows back through the queue: artifact
// proposals go to the state scribe, sub-tasks are delegated within the
// phase, and the outcome is recorded as a memory for later runs.
package worker
