// Package transport owns the collaborator contracts the session core
// consumes.
//
// Ownership boundary:
// - per-peer reliable ordered message channel contract
// - rendezvous/discovery contract
// - transport sentinel errors used for failure classification
//
// Production implementations live outside this repo; memnet provides the
// in-process implementation used by the test suite and the demo binary.
package transport
