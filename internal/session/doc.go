// Package session owns the top-level coordinator facade.
//
// Ownership boundary:
// - session lifecycle: create, join, leave, and the active-session gate
// - host role bookkeeping and the host-loss policy
// - serialization of every membership and canonical-state effect through
//   one apply loop
// - the event stream and accessors exposed to the embedding player
//
// The coordinator consumes a transport and a rendezvous service; it owns
// the peer manager and the playback engine it wires together.
package session
