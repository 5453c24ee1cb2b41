package types

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/holiman/uint256"
)

// Certificate verification errors
var (
	ErrInvalidCertificate     = errors.New("invalid certificate")
	ErrInsufficientStake      = errors.New("insufficient stake in certificate")
	ErrInvalidAggregate       = errors.New("invalid aggregate signature")
	ErrMissingNextEpochQC     = errors.New("missing next epoch QC")
	ErrNextEpochQCMismatch    = errors.New("next epoch QC does not match QC")
	ErrMissingBlockNumber     = errors.New("QC has no block number")
	ErrUnsupportedVersion     = errors.New("unsupported protocol version")
	ErrInvalidStateCert       = errors.New("invalid light client state certificate")
	ErrStateCertEpochMismatch = errors.New("state certificate epoch mismatch")
)

// Certificate is a threshold-aggregated set of votes for one statement.
// Certificates are immutable once formed.
type Certificate struct {
	Kind      CertKind       `cbor:"1,keyasint"`
	Data      VoteData       `cbor:"2,keyasint"`
	View      View           `cbor:"3,keyasint"`
	Signers   *bitset.BitSet `cbor:"4,keyasint"`
	Signature Signature      `cbor:"5,keyasint"`
}

// Epoch returns the epoch whose stake table signed the certificate.
func (c *Certificate) Epoch() Epoch { return c.Data.Epoch }

// LeafCommit returns the leaf the certificate endorses.
func (c *Certificate) LeafCommit() Commitment { return c.Data.LeafCommit }

// BlockNumber returns the certified block number, if any.
func (c *Certificate) BlockNumber() (uint64, bool) {
	if c.Data.BlockNumber == nil {
		return 0, false
	}
	return *c.Data.BlockNumber, true
}

// Commit returns a commitment to the whole certificate, including the
// signature, so leaves bind the exact QC they carry.
func (c *Certificate) Commit() Commitment {
	var signers []byte
	if c.Signers != nil {
		signers, _ = c.Signers.MarshalBinary()
	}
	return commit(struct {
		Data      Commitment `cbor:"1,keyasint"`
		View      View       `cbor:"2,keyasint"`
		Signers   []byte     `cbor:"3,keyasint"`
		Signature []byte     `cbor:"4,keyasint"`
	}{c.Data.Commit(c.Kind), c.View, signers, c.Signature})
}

// IsGenesis reports whether c is the unsigned bootstrap QC at view 0.
func (c *Certificate) IsGenesis() bool {
	return c.Kind == KindQuorum && c.View == 0 && len(c.Signature) == 0
}

// Verify checks that c is signed by at least threshold stake of st at the
// given protocol version.
func (c *Certificate) Verify(st *StakeTable, threshold *uint256.Int, version Version) error {
	if c == nil {
		return ErrInvalidCertificate
	}
	if c.Signers == nil || len(c.Signature) == 0 {
		return fmt.Errorf("%w: missing signers or signature", ErrInvalidCertificate)
	}
	stake, keys, err := st.SignersStake(c.Signers)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	if stake.Lt(threshold) {
		return fmt.Errorf("%w: got %s, need %s", ErrInsufficientStake, stake.Dec(), threshold.Dec())
	}
	msg := VersionedCommitment(c.Kind, &c.Data, c.View, version)
	if !VerifyAggregate(keys, msg[:], c.Signature) {
		return ErrInvalidAggregate
	}
	return nil
}

// Copy returns a deep copy.
func (c *Certificate) Copy() *Certificate {
	if c == nil {
		return nil
	}
	out := &Certificate{
		Kind:      c.Kind,
		Data:      c.Data.Copy(),
		View:      c.View,
		Signature: append(Signature(nil), c.Signature...),
	}
	if c.Signers != nil {
		out.Signers = c.Signers.Clone()
	}
	return out
}

// CertificatePair is a QC together with the next epoch's QC for the same
// statement, which is required while the certified block sits in an epoch
// transition.
type CertificatePair struct {
	QC          *Certificate `cbor:"1,keyasint"`
	NextEpochQC *Certificate `cbor:"2,keyasint,omitempty"`
}

// NewCertificatePair pairs a QC with an optional next epoch QC.
func NewCertificatePair(qc, next *Certificate) *CertificatePair {
	return &CertificatePair{QC: qc, NextEpochQC: next}
}

// ForParent returns the certificates by which leaf justifies its parent.
func ForParent(leaf *Leaf) *CertificatePair {
	return &CertificatePair{QC: leaf.JustifyQC, NextEpochQC: leaf.NextEpochJustifyQC}
}

// View returns the QC's view.
func (p *CertificatePair) View() View { return p.QC.View }

// Epoch returns the QC's epoch.
func (p *CertificatePair) Epoch() Epoch { return p.QC.Epoch() }

// LeafCommit returns the leaf the QC endorses.
func (p *CertificatePair) LeafCommit() Commitment { return p.QC.LeafCommit() }

// NextEpochQCFor returns the next epoch QC when the certified block lies in
// an epoch transition, nil when none is needed. A required but missing or
// inconsistent next epoch QC is an error.
func (p *CertificatePair) NextEpochQCFor(epochHeight uint64) (*Certificate, error) {
	bn, ok := p.QC.BlockNumber()
	if !ok || !IsEpochTransition(bn, epochHeight) {
		return nil, nil
	}
	next := p.NextEpochQC
	if next == nil {
		return nil, fmt.Errorf("%w: block %d is in an epoch transition", ErrMissingNextEpochQC, bn)
	}
	if next.View != p.QC.View {
		return nil, fmt.Errorf("%w: view %d != %d", ErrNextEpochQCMismatch, next.View, p.QC.View)
	}
	if !next.Data.Equal(&p.QC.Data) {
		return nil, fmt.Errorf("%w: data differs", ErrNextEpochQCMismatch)
	}
	return next, nil
}

// LightClientStateCert attests, by per-signer signatures, to the light
// client state and next stake table produced at an epoch root.
type LightClientStateCert struct {
	Epoch           Epoch                 `cbor:"1,keyasint"`
	StateCommit     Commitment            `cbor:"2,keyasint"`
	NextStakeCommit Commitment            `cbor:"3,keyasint"`
	Signatures      []StateSignatureShare `cbor:"4,keyasint"`
}

// StateSignatureShare is one signer's signature in a LightClientStateCert.
type StateSignatureShare struct {
	Signer    PublicKey `cbor:"1,keyasint"`
	Signature Signature `cbor:"2,keyasint"`
}

// SignBytes returns the message state signers sign.
func (s *LightClientStateCert) SignBytes() []byte {
	c := commit(struct {
		Epoch Epoch      `cbor:"1,keyasint"`
		State Commitment `cbor:"2,keyasint"`
		Next  Commitment `cbor:"3,keyasint"`
	}{s.Epoch, s.StateCommit, s.NextStakeCommit})
	return c[:]
}

// Verify checks that at least threshold stake of st signed the state.
// Unknown or repeated signers and bad signatures are not counted.
func (s *LightClientStateCert) Verify(st *StakeTable, threshold *uint256.Int) error {
	if s == nil {
		return ErrInvalidStateCert
	}
	msg := s.SignBytes()
	seen := make(map[string]struct{}, len(s.Signatures))
	stake := new(uint256.Int)
	for _, share := range s.Signatures {
		k := share.Signer.mapKey()
		if _, dup := seen[k]; dup {
			continue
		}
		if !st.HasStake(share.Signer) || !share.Signer.Verify(msg, share.Signature) {
			continue
		}
		seen[k] = struct{}{}
		stake.Add(stake, st.StakeOf(share.Signer))
	}
	if stake.Lt(threshold) {
		return fmt.Errorf("%w: %v", ErrInvalidStateCert, ErrInsufficientStake)
	}
	return nil
}

// EpochRootCertificate is a QC for an epoch root block together with the
// light client state certificate for the epoch it seeds.
type EpochRootCertificate struct {
	QC        *Certificate          `cbor:"1,keyasint"`
	StateCert *LightClientStateCert `cbor:"2,keyasint"`
}
