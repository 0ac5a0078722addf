// Package engine implements online navigation for delivery executions.
//
// A request flows through three pure steps shared with the offline jump
// table, then one atomic commit:
//
//	Decide        where does the request lead? (legality, branch rules)
//	Apply         move the session clone there (state machine transitions)
//	BuildContext  what does the candidate see and what may they do next?
//	store.Commit  session, item sessions, responses, trace, applied action
//
// Decide, Apply and BuildContext never touch I/O other than the response
// store passed in, so the offline client reaches the same decision from
// the same route, session and responses.
//
// # Concurrency
//
// The Controller serializes requests per execution with a keyed mutex and
// checks the session version on commit. A rejected request leaves the
// stored session and responses exactly as they were.
//
// # Lifecycle phases
//
// Collaborators register hooks on PhaseBeforeMove (may veto),
// PhaseAfterMove and PhaseOnError. Hooks run in registration order.
package engine
