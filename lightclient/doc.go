// Package lightclient proves to a client that a leaf is final.
//
// A LeafProof is built by pushing leaves in chain order until the justify
// QCs of the pushed leaves form a commit rule: a two-chain for leaves at
// EpochVersion and above, a three-chain below it. The client verifies the
// proof against either a quorum it trusts or a leaf it already knows to be
// final, and learns the first pushed leaf together with the QC signing it.
package lightclient
