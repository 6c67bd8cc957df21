// Package peers owns the per-peer connection lifecycle.
//
// Ownership boundary:
// - the peer table and every mutation of it
// - the connection state machine, dial retries, and the liveness watchdog
// - classification of link faults into the failure taxonomy
//
// The session coordinator consumes lifecycle outcomes through the Sink
// interface and reads the table; nothing else mutates membership.
package peers
