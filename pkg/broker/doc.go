// Package broker correlates asynchronous outbound requests with their
// eventual responses or timeouts.
//
// Sends are fire-and-forget: Send publishes an encoded request through the
// Transport and registers a pending entry; completion is signaled later by
// whoever drives the receive side calling OnResponse or
// OnTransportFailure. Deadlines are enforced by the owner's periodic Tick,
// never by blocking waits.
//
// # Late responses
//
// A response that arrives after a request's deadline but before the next
// Tick sweep is still delivered normally; only once the sweep has removed
// the entry is a late response treated as stale and discarded. This
// ordering is an accepted race of the sweep design, not a guarantee.
package broker
