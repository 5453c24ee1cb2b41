package types

import (
	"errors"
	"fmt"
)

// CertKind names the kind of statement a vote or certificate makes.
type CertKind uint8

// Certificate kinds
const (
	KindUnknown CertKind = iota
	KindQuorum
	KindNextEpochQuorum
	KindTimeout
	KindDA
	KindUpgrade
	KindEpochRoot
)

// String implements fmt.Stringer.
func (k CertKind) String() string {
	switch k {
	case KindQuorum:
		return "quorum"
	case KindNextEpochQuorum:
		return "next_epoch_quorum"
	case KindTimeout:
		return "timeout"
	case KindDA:
		return "da"
	case KindUpgrade:
		return "upgrade"
	case KindEpochRoot:
		return "epoch_root"
	default:
		return "unknown"
	}
}

// signingKind is the kind bound into signed commitments. A next epoch
// quorum vote is the same statement as a quorum vote, counted against the
// next epoch's stake table, so both share one signature.
func (k CertKind) signingKind() CertKind {
	if k == KindNextEpochQuorum {
		return KindQuorum
	}
	return k
}

// ThresholdClass selects which stake threshold a certificate kind needs.
type ThresholdClass uint8

const (
	ThresholdSuccess ThresholdClass = iota
	ThresholdDASuccess
	ThresholdOneHonest
	ThresholdUpgrade
)

// Threshold returns the threshold class for certificates of kind k.
func (k CertKind) Threshold() ThresholdClass {
	switch k {
	case KindDA:
		return ThresholdDASuccess
	case KindUpgrade:
		return ThresholdUpgrade
	default:
		return ThresholdSuccess
	}
}

// UpgradeData is the content of an upgrade proposal. Once certified it
// switches the protocol version from NewVersionFirstView onward.
type UpgradeData struct {
	OldVersion          Version    `cbor:"1,keyasint"`
	NewVersion          Version    `cbor:"2,keyasint"`
	DecideBy            View       `cbor:"3,keyasint"`
	NewVersionHash      Commitment `cbor:"4,keyasint"`
	OldVersionLastView  View       `cbor:"5,keyasint"`
	NewVersionFirstView View       `cbor:"6,keyasint"`
}

// VoteData is the statement a vote endorses. Which fields are meaningful
// depends on the kind: quorum-style kinds use LeafCommit, Epoch and
// BlockNumber; DA uses LeafCommit as the payload commitment; timeouts use
// only Epoch; epoch root votes add StateCommit; upgrade votes carry
// Upgrade.
type VoteData struct {
	LeafCommit  Commitment   `cbor:"1,keyasint"`
	Epoch       Epoch        `cbor:"2,keyasint"`
	BlockNumber *uint64      `cbor:"3,keyasint,omitempty"`
	StateCommit Commitment   `cbor:"4,keyasint"`
	Upgrade     *UpgradeData `cbor:"5,keyasint,omitempty"`
}

// Commit returns the commitment of the data for kind k.
func (d *VoteData) Commit(k CertKind) Commitment {
	return commit(struct {
		Kind CertKind  `cbor:"1,keyasint"`
		Data *VoteData `cbor:"2,keyasint"`
	}{k.signingKind(), d})
}

// Equal reports whether two statements are identical.
func (d *VoteData) Equal(o *VoteData) bool {
	if d == nil || o == nil {
		return d == o
	}
	if d.LeafCommit != o.LeafCommit || d.Epoch != o.Epoch || d.StateCommit != o.StateCommit {
		return false
	}
	switch {
	case d.BlockNumber == nil && o.BlockNumber == nil:
	case d.BlockNumber == nil || o.BlockNumber == nil:
		return false
	case *d.BlockNumber != *o.BlockNumber:
		return false
	}
	switch {
	case d.Upgrade == nil && o.Upgrade == nil:
		return true
	case d.Upgrade == nil || o.Upgrade == nil:
		return false
	default:
		return *d.Upgrade == *o.Upgrade
	}
}

// Copy returns a deep copy.
func (d VoteData) Copy() VoteData {
	out := d
	if d.BlockNumber != nil {
		bn := *d.BlockNumber
		out.BlockNumber = &bn
	}
	if d.Upgrade != nil {
		u := *d.Upgrade
		out.Upgrade = &u
	}
	return out
}

// VersionedCommitment is the message signers actually sign. Binding the
// protocol version means a quorum for one version cannot be replayed as a
// quorum for another.
func VersionedCommitment(k CertKind, data *VoteData, view View, version Version) Commitment {
	return commit(struct {
		Kind    CertKind   `cbor:"1,keyasint"`
		Data    Commitment `cbor:"2,keyasint"`
		View    View       `cbor:"3,keyasint"`
		Version Version    `cbor:"4,keyasint"`
	}{k.signingKind(), data.Commit(k), view, version})
}

// Errors
var (
	ErrInvalidVote   = errors.New("invalid vote")
	ErrMissingSigner = errors.New("vote has no signer")
	ErrBadSignature  = errors.New("invalid vote signature")
)

// Vote is one signer's signature share over a statement for a view.
type Vote struct {
	Kind      CertKind  `cbor:"1,keyasint"`
	Data      VoteData  `cbor:"2,keyasint"`
	View      View      `cbor:"3,keyasint"`
	Signer    PublicKey `cbor:"4,keyasint"`
	Signature Signature `cbor:"5,keyasint"`
}

// SignBytes returns the bytes a signer signs for this vote at version.
func (v *Vote) SignBytes(version Version) []byte {
	c := VersionedCommitment(v.Kind, &v.Data, v.View, version)
	return c[:]
}

// DataCommit returns the commitment of the vote's statement. Votes with
// equal data commitments aggregate into the same certificate.
func (v *Vote) DataCommit() Commitment {
	return v.Data.Commit(v.Kind)
}

// ValidateBasic checks structural well-formedness without signatures.
func (v *Vote) ValidateBasic() error {
	if v == nil {
		return ErrInvalidVote
	}
	if v.Kind == KindUnknown || v.Kind > KindEpochRoot {
		return fmt.Errorf("%w: kind %d", ErrInvalidVote, v.Kind)
	}
	if v.Signer.IsZero() {
		return ErrMissingSigner
	}
	if len(v.Signature) == 0 {
		return fmt.Errorf("%w: no signature", ErrInvalidVote)
	}
	if v.Kind == KindUpgrade && v.Data.Upgrade == nil {
		return fmt.Errorf("%w: upgrade vote without upgrade data", ErrInvalidVote)
	}
	return nil
}

// VerifySignature checks the share against the signer's key at version.
func (v *Vote) VerifySignature(version Version) error {
	if !v.Signer.Verify(v.SignBytes(version), v.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Copy returns a deep copy of the vote.
func (v *Vote) Copy() *Vote {
	if v == nil {
		return nil
	}
	sig := make(Signature, len(v.Signature))
	copy(sig, v.Signature)
	return &Vote{
		Kind:      v.Kind,
		Data:      v.Data.Copy(),
		View:      v.View,
		Signer:    v.Signer,
		Signature: sig,
	}
}
