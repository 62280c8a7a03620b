// Package resilient composes a machine.Machine with a resilience.ErrorHandler
// and a checkpoint.Persistence.
//
// SendWithRecovery routes transition failures through the error handler and
// either retries the event once, absorbs the failure, or moves the machine
// into its declared error state. A periodic task snapshots the current
// state, the machine context (through a Codec), the recent error history and
// the circuit breaker states. LoadLastCheckpoint resumes from the newest
// compatible snapshot and fails closed when the snapshot names a state the
// definition no longer declares.
//
// Checkpoint reads take the machine's read lock only. A context mutated in
// place outside Send may be captured half-updated; contexts that need a
// consistent snapshot must guard their own fields.
package resilient
