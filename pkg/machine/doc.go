// Package machine controls a single workshop machine behind the
// terminal: who is checked in, whether the power relay is energized,
// and the usage records written for billing.
//
// The machine is a small state machine with three states. Idle is the
// rest state with the relay off. Active holds the session that checked
// in and the check-in time; the relay is on. Denied is a transient
// state shown after a permission failure; the relay stays off and the
// machine returns to Idle on its own.
//
// The relay is only energized after the session's permissions have
// been verified. Every completed usage is persisted to the history
// store before the state changes, so a power loss cannot lose a
// billable usage.
package machine
