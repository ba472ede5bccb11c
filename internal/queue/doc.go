// Package queue implements the durable task queue and delegation protocol.
//
// A task moves strictly forward through pending, in_progress and one of
// completed or failed. ClaimNext hands a pending task to exactly one caller
// using a single conditional UPDATE ... RETURNING statement, so two workers
// polling the same agent can never both observe and take the same row.
// Complete and Fail only succeed from in_progress; calling them on a task
// that already reached a terminal status returns ErrTerminal.
//
// Retries never move a failed row backwards. RetryFailed enqueues a fresh
// task (attempt+1, retry_of set) with a not_before delay computed by Backoff,
// and marks the failed row as retried.
package queue
