// Package types defines the core data structures of the consensus core.
//
// # Core Types
//
// View, Epoch: monotonic round and stake table generation counters.
// Version: protocol version; EpochVersion switches the commit rule from
// three-chain HotStuff to two-chain HotStuff2.
//
// Leaf: a proposed block plus consensus metadata. Leaves chain by parent
// commitment and carry the QC that justifies their parent.
//
// Vote: one signer's BLS signature share over a statement (VoteData) of a
// given CertKind in a view.
//
// Certificate: votes aggregated once their stake reaches the kind's
// threshold. A signer bitmap indexes into the epoch's StakeTable.
//
// CertificatePair: a QC plus, inside an epoch transition, the next
// epoch's QC over the same statement.
//
// StakeTable: the weighted signer set of one epoch, with the success
// (2/3), one-honest (1/3) and upgrade (9/10) thresholds.
//
// # Commitments
//
// Every commitment is keccak-256 over the deterministic CBOR encoding of a
// fixed struct. Votes sign a versioned commitment that binds the kind, the
// data commitment, the view and the protocol version, so a certificate is
// only valid at the version it was formed for.
//
// # Epochs
//
// Blocks are grouped into epochs of a configured height. The last three
// blocks of an epoch form the transition window in which QCs must also be
// signed by the next epoch's quorum. EpochFromBlockNumber, IsLastBlock,
// IsEpochTransition, IsTransitionBlock and IsEpochRoot implement the
// boundary arithmetic. An epoch height of zero disables epochs.
//
// # Immutability
//
// Certificates are immutable once formed and StakeTables once built.
// Accessors return copies rather than exposing internal state.
package types
