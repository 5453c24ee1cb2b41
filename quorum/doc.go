// Package quorum verifies certificates and the certificate chains that
// make up a commit rule.
//
// A Quorum is the root of trust for a verifier: Verify checks that a QC
// carries enough stake-weighted BLS signatures at a given protocol version,
// and VerifyQCChainAndGetVersion checks that a sequence of QCs with
// consecutive views extends from a leaf. The caller picks the commit rule
// from the leaf's declared version:
//
//	version >= EpochVersion  HotStuff2, two consecutive QCs
//	version <  EpochVersion  HotStuff, three consecutive QCs
//
// An upgrade certificate carried by the anchor leaf switches the version
// each QC is checked at from the upgrade's first view on.
//
// StakeTableQuorum resolves stake tables through a membership.Provider.
// From EpochVersion on, a QC for a block in the last three blocks of an
// epoch must be accompanied by a QC of the next epoch's stake table over
// the same statement.
package quorum
