// Package privval holds the BLS signing key of a stake table entry and
// prevents it from double-signing.
//
// Votes are BLS12-381 signature shares over a version-tagged commitment of
// the voted statement. Shares from different signers over the same
// statement aggregate into a certificate.
//
// # Core Interface
//
//	type PrivValidator interface {
//	    GetPubKey() types.PublicKey
//	    SignVote(vote *types.Vote, version types.Version) error
//	    SignState(cert *types.LightClientStateCert) (types.Signature, error)
//	}
//
// # Double-Sign Prevention
//
// LastSignState records, per vote kind, the last view signed and the
// commitment of the statement signed in it. Before signing the validator
// checks:
//
//	1. Never sign two different statements of one kind in the same view
//	2. Never regress to a lower view for a kind
//	3. Persist state BEFORE returning the signature
//
// Re-signing an identical vote returns the cached signature.
//
// # Implementations
//
// MemPV keeps the sign state in memory. FilePV keeps two cramberry files, the
// key and the sign state, and replaces them with write-then-rename so a
// crash mid-write leaves the previous contents.
//
// # Usage Example
//
//	pv, err := privval.NewFilePV("key.cbor", "state.cbor")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	vote := &types.Vote{
//	    Kind: types.KindTimeout,
//	    View: 42,
//	    Data: types.VoteData{Epoch: 3},
//	}
//	if err := pv.SignVote(vote, types.EpochVersion); err != nil {
//	    log.Fatal(err) // Might be ErrDoubleSign
//	}
package privval
