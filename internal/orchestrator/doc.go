// Package orchestrator implements the phase state machine and its driver.
//
// # Overview
//
// A project (namespace) moves through an ordered list of phases:
//
//	initialization → goal-clarification → specification → architecture →
//	implementation → refinement → completion → complete
//
// Each phase is guarded by gates. The ArtifactGate requires every artifact
// path prefix configured for the phase to be present in the project
// artifact registry. The ApprovalGate, for phases in the approval set,
// requires the latest approval record for the phase to be approved.
//
// # Decisions
//
// DecidePhase is a pure function from (definition, current phase, artifact
// set, latest approval) to a Decision. Machine.NextPhase reads the registry
// and approvals and calls it, so polling NextPhase never changes state.
//
//	enter             start the next phase
//	continue          stay; required artifacts are missing
//	request_approval  stay; artifacts complete, no approval yet
//	await_approval    stay; approval pending (blocked, not an error)
//	remediate         stay; approval rejected
//	complete          every phase is done
//
// # Driver
//
// The Driver applies decisions. Side effects are keyed so that repeated
// ticks are safe: phase transitions are unique per (namespace, phase) and
// delegated tasks carry a ref ("phase:<p>", "continue:<p>",
// "remediate:<approval>") checked before enqueueing.
//
// # Registry
//
// Worker implementations are resolved through a static Registry keyed by
// (phase, role), built at startup and validated against the Definition.
package orchestrator
