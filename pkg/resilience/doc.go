// Package resilience provides categorized errors, per-operation circuit
// breakers, category-specific recovery strategies and the ErrorHandler that
// ties them together.
//
// Raw errors are normalized into *Error values with a Category, Severity and
// recoverable/retryable flags. The ErrorHandler records them, publishes an
// "error" event on the bus and drives the first matching Strategy for up to
// MaxRetryAttempts attempts. When an operation name is given, the whole
// recovery loop runs inside that operation's circuit breaker, so repeated
// recovery failures short-circuit later attempts.
package resilience
