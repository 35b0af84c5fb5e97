// Package history persists machine usage records across power loss and
// uploads them to the backend.
//
// Records are appended to a CBOR stream file and synced before the
// terminal acts on them, so a usage survives a crash between checkout
// and upload. Uploaded records are dropped from the file; records whose
// upload fails stay pending and are retried on a later tick.
package history
