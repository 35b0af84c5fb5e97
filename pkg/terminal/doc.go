// Package terminal coordinates one terminal: the tag reader, the
// session handshake, the machine state machine and the usage uploader.
//
// All state transitions happen on a single tick loop owned by Run.
// Broker responses arriving on the transport goroutine are staged by
// the lower layers and consumed on the next tick, so no other
// goroutine ever mutates terminal state. UI readers observe the
// terminal through an immutable status snapshot.
package terminal
