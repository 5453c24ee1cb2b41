package lightclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/blockberries/quorumberry/quorum"
	"github.com/blockberries/quorumberry/types"
)

// Errors. ErrInsufficientData means the prover should keep pushing leaves;
// ErrInvalidProof means the proof must be rejected.
var (
	ErrInsufficientData = errors.New("insufficient data to prove finality")
	ErrInvalidProof     = errors.New("invalid finality proof")
	ErrWrongHint        = errors.New("verifier supplied wrong hint for proof")
)

// ProofKind names how the last leaf of a LeafProof is shown final.
type ProofKind uint8

const (
	// ProofAssumption means the verifier already trusts a descendant leaf.
	ProofAssumption ProofKind = iota
	// ProofHotStuff2 is a two-chain of QCs, valid from EpochVersion on.
	ProofHotStuff2
	// ProofHotStuff is a three-chain of QCs, valid below EpochVersion.
	ProofHotStuff
)

// String implements fmt.Stringer.
func (k ProofKind) String() string {
	switch k {
	case ProofHotStuff2:
		return "hotstuff2"
	case ProofHotStuff:
		return "hotstuff"
	default:
		return "assumption"
	}
}

// FinalityProof is the evidence that the last leaf of a chain is final.
// For ProofHotStuff2 PrecommitQC is nil.
type FinalityProof struct {
	Kind         ProofKind              `cbor:"1,keyasint"`
	PrecommitQC  *types.CertificatePair `cbor:"2,keyasint,omitempty"`
	CommittingQC *types.CertificatePair `cbor:"3,keyasint,omitempty"`
	DecidingQC   *types.CertificatePair `cbor:"4,keyasint,omitempty"`
}

// Epoch returns the epoch whose quorum must verify the proof. It reports
// false for ProofAssumption, which needs a finalized leaf instead.
// It also reports false when the QC it would read is missing.
func (p FinalityProof) Epoch() (types.Epoch, bool) {
	var first *types.CertificatePair
	switch p.Kind {
	case ProofHotStuff2:
		first = p.CommittingQC
	case ProofHotStuff:
		first = p.PrecommitQC
	}
	if first == nil || first.QC == nil {
		return 0, false
	}
	return first.Epoch(), true
}

// validate checks that the proof carries every QC its kind needs.
func (p FinalityProof) validate() error {
	switch p.Kind {
	case ProofAssumption:
		return nil
	case ProofHotStuff2, ProofHotStuff:
	default:
		return fmt.Errorf("%w: unknown proof kind %d", ErrInvalidProof, p.Kind)
	}
	for _, c := range p.chain() {
		if c == nil || c.QC == nil {
			return fmt.Errorf("%w: %s proof is missing a QC", ErrInvalidProof, p.Kind)
		}
	}
	return nil
}

// chain returns the QCs of the proof in view order.
func (p FinalityProof) chain() []*types.CertificatePair {
	switch p.Kind {
	case ProofHotStuff2:
		return []*types.CertificatePair{p.CommittingQC, p.DecidingQC}
	case ProofHotStuff:
		return []*types.CertificatePair{p.PrecommitQC, p.CommittingQC, p.DecidingQC}
	default:
		return nil
	}
}

// Hint is the verifier's root of trust: either a quorum that can check QC
// signatures, or a leaf already known to be final.
type Hint struct {
	quorum    quorum.Quorum
	finalized *types.Leaf
}

// QuorumHint trusts the given quorum.
func QuorumHint(q quorum.Quorum) Hint { return Hint{quorum: q} }

// AssumptionHint trusts that leaf is final.
func AssumptionHint(leaf *types.Leaf) Hint { return Hint{finalized: leaf} }

func (h Hint) String() string {
	if h.finalized != nil {
		return "finalized leaf"
	}
	return "quorum"
}

// FinalizedLeaf is a leaf proven final together with the QC that signs it.
type FinalizedLeaf struct {
	Leaf *types.Leaf
	QC   *types.Certificate
}

// LeafProof proves a leaf final. Leaves are kept oldest first: the first
// is the leaf being proven, the last is shown final by the FinalityProof,
// and the parent commitments in between carry finality back to the first.
type LeafProof struct {
	leaves []*types.Leaf
	proof  FinalityProof
}

// Push appends a leaf. It returns true as soon as the justify QCs of the
// pending leaves form a commit rule for an earlier leaf; the leaves that
// were needed only for their justify QCs are dropped at that point.
func (p *LeafProof) Push(leaf *types.Leaf) bool {
	if leaf == nil {
		return false
	}
	n := len(p.leaves)

	// Two-chain: the last saved leaf and the new one justify the leaf
	// before the last.
	if n >= 2 && p.leaves[n-2].Version.AtLeast(types.EpochVersion) {
		committing := types.ForParent(p.leaves[n-1])
		deciding := types.ForParent(leaf)
		if committing.View() == p.leaves[n-2].View && deciding.View() == committing.View()+1 {
			p.proof = FinalityProof{Kind: ProofHotStuff2, CommittingQC: committing, DecidingQC: deciding}
			p.leaves = p.leaves[:n-1]
			return true
		}
	}

	// Three-chain for legacy leaves.
	if n >= 3 && p.leaves[n-3].Version.Less(types.EpochVersion) {
		precommit := types.ForParent(p.leaves[n-2])
		committing := types.ForParent(p.leaves[n-1])
		deciding := types.ForParent(leaf)
		if precommit.View() == p.leaves[n-3].View &&
			committing.View() == precommit.View()+1 &&
			deciding.View() == committing.View()+1 {
			p.proof = FinalityProof{
				Kind:         ProofHotStuff,
				PrecommitQC:  precommit,
				CommittingQC: committing,
				DecidingQC:   deciding,
			}
			p.leaves = p.leaves[:n-2]
			return true
		}
	}

	p.leaves = append(p.leaves, leaf)
	return false
}

// AddQCChain completes the proof with a two-chain extending from the last
// pushed leaf. The prover is trusted to supply consecutive QCs for a
// HotStuff2 leaf; if it does not, Verify will reject the proof.
func (p *LeafProof) AddQCChain(committing, deciding *types.CertificatePair) {
	p.proof = FinalityProof{Kind: ProofHotStuff2, CommittingQC: committing, DecidingQC: deciding}
}

// Proof returns the finality proof of the last leaf.
func (p *LeafProof) Proof() FinalityProof { return p.proof }

// Leaves returns the leaf chain, oldest first.
func (p *LeafProof) Leaves() []*types.Leaf {
	return append([]*types.Leaf(nil), p.leaves...)
}

// Verify checks the proof against hint and returns the first leaf with the
// QC that signs it.
func (p *LeafProof) Verify(ctx context.Context, hint Hint) (*FinalizedLeaf, error) {
	if len(p.leaves) == 0 {
		return nil, fmt.Errorf("%w: empty leaf chain", ErrInsufficientData)
	}
	first := p.leaves[0]

	// The QC signing the first leaf is the justify QC of the second. With
	// a single leaf it comes from the finality proof instead.
	var firstQC *types.Certificate
	curr := first
	for _, next := range p.leaves[1:] {
		if curr.Commit() != next.ParentCommitment {
			return nil, fmt.Errorf("%w: leaf %s does not extend %s", ErrInvalidProof, next.View, curr.View)
		}
		curr = next
		if firstQC == nil {
			firstQC = next.JustifyQC
		}
	}

	finalQC, err := p.verifyFinal(ctx, curr, hint)
	if err != nil {
		return nil, err
	}
	if firstQC == nil {
		firstQC = finalQC
	}
	if firstQC == nil || firstQC.LeafCommit() != first.Commit() {
		return nil, fmt.Errorf("%w: QC does not sign leaf %s", ErrInvalidProof, first.View)
	}
	return &FinalizedLeaf{Leaf: first, QC: firstQC}, nil
}

// verifyFinal shows curr final and returns the QC that signs it.
func (p *LeafProof) verifyFinal(ctx context.Context, curr *types.Leaf, hint Hint) (*types.Certificate, error) {
	switch {
	case p.proof.Kind == ProofAssumption && hint.finalized != nil:
		if hint.finalized.ParentCommitment != curr.Commit() {
			return nil, fmt.Errorf("%w: finalized leaf does not extend leaf %s", ErrInvalidProof, curr.View)
		}
		return hint.finalized.JustifyQC, nil

	case p.proof.Kind == ProofAssumption:
		return nil, fmt.Errorf("%w: no commit rule satisfied yet", ErrInsufficientData)

	case hint.quorum == nil:
		return nil, fmt.Errorf("%w: proof requires a quorum but supplied hint is %s", ErrWrongHint, hint)
	}

	rule := quorum.HotStuff2
	if p.proof.Kind == ProofHotStuff {
		rule = quorum.HotStuff
	}
	if err := p.proof.validate(); err != nil {
		return nil, err
	}
	chain := p.proof.chain()

	version, err := hint.quorum.VerifyQCChainAndGetVersion(ctx, curr, chain)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProof, err)
	}
	if err := quorum.CheckCommitRule(rule, version); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProof, err)
	}
	return chain[0].QC, nil
}

// wireProof is the serialized form of a LeafProof.
type wireProof struct {
	Leaves []*types.Leaf  `cbor:"1,keyasint"`
	Proof  FinalityProof `cbor:"2,keyasint"`
}

// Encode serializes the proof for transport to a verifier.
func (p *LeafProof) Encode() ([]byte, error) {
	return types.CanonicalEncode(wireProof{Leaves: p.leaves, Proof: p.proof})
}

// DecodeLeafProof parses a proof produced by Encode. A proof with a
// missing leaf, or without a QC its kind needs, is ErrInvalidProof.
func DecodeLeafProof(data []byte) (*LeafProof, error) {
	var w wireProof
	if err := types.Decode(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProof, err)
	}
	for i, l := range w.Leaves {
		if l == nil {
			return nil, fmt.Errorf("%w: leaf %d is missing", ErrInvalidProof, i)
		}
	}
	if err := w.Proof.validate(); err != nil {
		return nil, err
	}
	return &LeafProof{leaves: w.Leaves, proof: w.Proof}, nil
}
