// Package protocol owns the sync wire contract between peers.
//
// Ownership boundary:
// - sync message shapes and validation
// - envelope encode/decode primitives
// - wire sentinel errors
package protocol
