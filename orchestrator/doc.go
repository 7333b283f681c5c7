// Package orchestrator drives provisioning workflow instances through their steps.
//
// The Engine turns one business intent, such as activating a subscriber, into an
// ordered series of calls against independent external systems, and leaves those
// systems consistent when a call fails partway through.
//
// # Execution
//
// Submit persists a PENDING instance and returns its id before any step runs.
// The instance is then queued for a fixed set of workers: steps run in the order
// given by workflow.Definition.Plan, members of a parallel group run concurrently,
// and every status transition is persisted before the next action is taken.
//
// Each step is attempted up to its retry policy's MaxAttempts with the configured
// backoff between attempts. An attempt that exceeds the step timeout counts as a
// failed attempt. Executor panics are recovered and recorded as failures.
//
// # Compensation
//
// When a step fails for good, or a cancel request is observed, the engine unwinds
// every completed step in reverse completion order. Steps that are not compensable
// are left COMPLETED and recorded as SKIPPED in the compensation trail. A failed
// compensation is recorded and the unwind carries on, so the final status is
// ROLLED_BACK only when every attempted compensation succeeded and FAILED, with an
// itemised report, otherwise.
//
// A cancel request that arrives while the last stage runs is honoured too. The
// store refuses to complete a cancel-requested instance, so a cancel accepted by
// the store always ends in an unwind.
//
// # Uniqueness
//
// At most one PENDING or RUNNING instance exists per tenant and business key. The
// rule is enforced by the store's atomic create, so it also holds across engines
// sharing one store.
//
// # Recovery
//
// A running instance is leased to the engine executing it and the lease is renewed
// by a heartbeat. Every write names the lease owner and the store rejects writes
// from an engine whose lease has been taken over. Recover resumes active instances whose lease has expired. Steps
// already COMPLETED are never executed again; a step left RUNNING is attempted
// again, which is safe because executors are idempotent under the step's
// idempotency key.
package orchestrator
