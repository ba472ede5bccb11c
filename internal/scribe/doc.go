// Package scribe is the only writer of the project artifact registry.
//
// Write access is structural: the Scribe type, which holds the upsert and
// delete statements, is constructed only by the scribe worker and the
// operator CLI. Every other component receives a Reader and submits changes
// with Propose, which enqueues an artifact.record task addressed to the
// state-scribe agent. The Worker drains those tasks and applies them in
// order.
package scribe
