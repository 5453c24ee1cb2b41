package engine

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/blockberries/quorumberry/evidence"
	"github.com/blockberries/quorumberry/membership"
	"github.com/blockberries/quorumberry/types"
)

// EvidenceReporter sees every vote that passed signature verification.
// evidence.Pool implements it.
type EvidenceReporter interface {
	CheckVote(vote *types.Vote) *evidence.Equivocation
	AddEquivocation(ev *evidence.Equivocation) error
}

// tally is the running total for one voted commitment.
type tally struct {
	data    types.VoteData
	stake   *uint256.Int
	signers *bitset.BitSet
	sigs    map[uint]types.Signature
}

// VoteAccumulator collects the votes of one kind in one view and forms a
// certificate for a commitment once its signers reach the threshold.
type VoteAccumulator struct {
	mu sync.Mutex

	view     types.View
	kind     types.CertKind
	evidence EvidenceReporter
	logger   *zap.Logger

	tallies   map[types.Commitment]*tally
	certified map[types.Commitment]struct{}
}

// NewVoteAccumulator creates an accumulator for kind votes at view. ev may
// be nil.
func NewVoteAccumulator(view types.View, kind types.CertKind, ev EvidenceReporter, logger *zap.Logger) *VoteAccumulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VoteAccumulator{
		view:      view,
		kind:      kind,
		evidence:  ev,
		logger:    logger,
		tallies:   make(map[types.Commitment]*tally),
		certified: make(map[types.Commitment]struct{}),
	}
}

// View returns the view the accumulator collects for.
func (a *VoteAccumulator) View() types.View { return a.view }

// Kind returns the kind of vote the accumulator collects.
func (a *VoteAccumulator) Kind() types.CertKind { return a.kind }

// Accumulate counts vote against m's stake table for the accumulator's
// kind. It returns a certificate the one time the voted commitment
// crosses the threshold and nil otherwise. A rejected vote leaves the
// accumulator unchanged.
//
// A signer that votes for two different commitments is counted for both
// and reported as an equivocation.
func (a *VoteAccumulator) Accumulate(vote *types.Vote, m *membership.EpochMembership, version types.Version) (*types.Certificate, error) {
	commit, idx, table, threshold, err := a.check(vote, m, version)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.certified[commit]; ok {
		return nil, nil
	}
	t, ok := a.tallies[commit]
	if !ok {
		t = &tally{
			data:    vote.Data.Copy(),
			stake:   new(uint256.Int),
			signers: bitset.New(uint(table.Len())),
			sigs:    make(map[uint]types.Signature),
		}
	}
	if t.signers.Test(idx) {
		return nil, fmt.Errorf("%w: %s in %s", ErrDuplicateVote, vote.Signer, vote.View)
	}

	a.reportEquivocation(vote)

	a.tallies[commit] = t
	t.signers.Set(idx)
	t.sigs[idx] = vote.Signature
	t.stake.Add(t.stake, table.StakeOf(vote.Signer))

	if t.stake.Lt(threshold) {
		return nil, nil
	}
	return a.form(commit, t)
}

// check validates vote without touching accumulator state.
func (a *VoteAccumulator) check(
	vote *types.Vote,
	m *membership.EpochMembership,
	version types.Version,
) (types.Commitment, uint, *types.StakeTable, *uint256.Int, error) {
	var zero types.Commitment
	if err := vote.ValidateBasic(); err != nil {
		return zero, 0, nil, nil, err
	}
	if vote.View != a.view {
		return zero, 0, nil, nil, fmt.Errorf("%w: %s, collecting %s", ErrWrongView, vote.View, a.view)
	}
	if vote.Kind != a.kind {
		return zero, 0, nil, nil, fmt.Errorf("%w: %s, collecting %s", ErrWrongKind, vote.Kind, a.kind)
	}
	table, threshold := m.ForKind(a.kind)
	idx, ok := table.IndexOf(vote.Signer)
	if !ok || !table.HasStake(vote.Signer) {
		return zero, 0, nil, nil, fmt.Errorf("%w: %s in %s", ErrUnknownSigner, vote.Signer, m.Epoch())
	}
	if err := vote.VerifySignature(version); err != nil {
		return zero, 0, nil, nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return vote.DataCommit(), uint(idx), table, threshold, nil
}

// Caller must hold a.mu.
func (a *VoteAccumulator) reportEquivocation(vote *types.Vote) {
	if a.evidence == nil {
		return
	}
	ev := a.evidence.CheckVote(vote)
	if ev == nil {
		return
	}
	if err := a.evidence.AddEquivocation(ev); err != nil {
		a.logger.Debug("equivocation not added", zap.Error(err))
	}
}

// form aggregates the shares of t in signer index order.
// Caller must hold a.mu.
func (a *VoteAccumulator) form(commit types.Commitment, t *tally) (*types.Certificate, error) {
	sigs := make([]types.Signature, 0, t.signers.Count())
	for i, ok := t.signers.NextSet(0); ok; i, ok = t.signers.NextSet(i + 1) {
		sigs = append(sigs, t.sigs[i])
	}
	agg, err := types.AggregateSignatures(sigs)
	if err != nil {
		return nil, fmt.Errorf("%w: aggregating %d shares: %w", ErrInternalInvariant, len(sigs), err)
	}

	a.certified[commit] = struct{}{}
	delete(a.tallies, commit)

	a.logger.Debug("certificate formed",
		zap.Stringer("kind", a.kind),
		zap.Stringer("view", a.view),
		zap.Uint("signers", t.signers.Count()),
		zap.String("stake", t.stake.Dec()))

	return &types.Certificate{
		Kind:      a.kind,
		Data:      t.data.Copy(),
		View:      a.view,
		Signers:   t.signers.Clone(),
		Signature: agg,
	}, nil
}

// Certified reports whether a certificate was formed for commit.
func (a *VoteAccumulator) Certified(commit types.Commitment) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.certified[commit]
	return ok
}

// Stake returns the stake counted so far for commit. It is zero once the
// commitment is certified.
func (a *VoteAccumulator) Stake(commit types.Commitment) *uint256.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.tallies[commit]; ok {
		return t.stake.Clone()
	}
	return new(uint256.Int)
}

// EpochRootVote is a quorum vote for an epoch root block together with
// the signer's signature over the light client state it produces.
type EpochRootVote struct {
	Vote            *types.Vote      `cbor:"1,keyasint"`
	NextStakeCommit types.Commitment `cbor:"2,keyasint"`
	StateSignature  types.Signature  `cbor:"3,keyasint"`
}

// StateCert returns the unsigned state certificate the vote's state
// signature covers.
func (v *EpochRootVote) StateCert() *types.LightClientStateCert {
	return &types.LightClientStateCert{
		Epoch:           v.Vote.Data.Epoch,
		StateCommit:     v.Vote.Data.StateCommit,
		NextStakeCommit: v.NextStakeCommit,
	}
}

// EpochRootAccumulator collects epoch root votes for one view. Votes are
// tallied per (voted data, next stake table) pair, and the first pair whose
// signers reach the threshold forms both the QC and the light client state
// certificate.
type EpochRootAccumulator struct {
	view     types.View
	evidence EvidenceReporter
	logger   *zap.Logger

	mu        sync.Mutex
	buckets   map[stateKey]*stateBucket
	certified map[types.Commitment]struct{}
}

type stateKey struct {
	data      types.Commitment
	nextStake types.Commitment
}

type stateBucket struct {
	votes  *VoteAccumulator
	shares map[int]types.StateSignatureShare
}

// NewEpochRootAccumulator creates an accumulator for epoch root votes at
// view.
func NewEpochRootAccumulator(view types.View, ev EvidenceReporter, logger *zap.Logger) *EpochRootAccumulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EpochRootAccumulator{
		view:      view,
		evidence:  ev,
		logger:    logger,
		buckets:   make(map[stateKey]*stateBucket),
		certified: make(map[types.Commitment]struct{}),
	}
}

// Accumulate counts vote. The state signature is checked before the QC
// share is counted, so a vote with a bad state signature counts for
// neither.
func (a *EpochRootAccumulator) Accumulate(
	vote *EpochRootVote,
	m *membership.EpochMembership,
	version types.Version,
) (*types.EpochRootCertificate, error) {
	if vote == nil || vote.Vote == nil {
		return nil, fmt.Errorf("%w: empty epoch root vote", ErrInvalidMessage)
	}
	if err := vote.Vote.ValidateBasic(); err != nil {
		return nil, err
	}
	state := vote.StateCert()
	if !vote.Vote.Signer.Verify(state.SignBytes(), vote.StateSignature) {
		return nil, fmt.Errorf("%w: state signature", ErrInvalidSignature)
	}
	idx, _ := m.StakeTable().IndexOf(vote.Vote.Signer)
	key := stateKey{data: vote.Vote.DataCommit(), nextStake: vote.NextStakeCommit}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.certified[key.data]; ok {
		return nil, nil
	}
	b, ok := a.buckets[key]
	if !ok {
		b = &stateBucket{
			votes:  NewVoteAccumulator(a.view, types.KindQuorum, a.evidence, a.logger),
			shares: make(map[int]types.StateSignatureShare),
		}
	}
	qc, err := b.votes.Accumulate(vote.Vote, m, version)
	if err != nil {
		return nil, err
	}
	a.buckets[key] = b
	b.shares[idx] = types.StateSignatureShare{Signer: vote.Vote.Signer, Signature: vote.StateSignature}
	if qc == nil {
		return nil, nil
	}

	for i, ok := qc.Signers.NextSet(0); ok; i, ok = qc.Signers.NextSet(i + 1) {
		state.Signatures = append(state.Signatures, b.shares[int(i)])
	}
	a.certified[key.data] = struct{}{}
	for k := range a.buckets {
		if k.data == key.data {
			delete(a.buckets, k)
		}
	}
	return &types.EpochRootCertificate{QC: qc, StateCert: state}, nil
}

// Certified reports whether an epoch root certificate was formed for the
// voted data commit.
func (a *EpochRootAccumulator) Certified(commit types.Commitment) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.certified[commit]
	return ok
}

// Stake returns the stake counted for commit among votes that agree on
// nextStake.
func (a *EpochRootAccumulator) Stake(commit, nextStake types.Commitment) *uint256.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.buckets[stateKey{data: commit, nextStake: nextStake}]; ok {
		return b.votes.Stake(commit)
	}
	return new(uint256.Int)
}
