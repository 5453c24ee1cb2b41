// Package testkit builds deterministic keys, stake tables, certificates and
// leaf chains for tests.
package testkit

import (
	"bytes"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/quorumberry/privval"
	"github.com/blockberries/quorumberry/types"
)

// Keys returns n deterministic signing keys. Key i is derived from a seed
// of repeated byte i+1+offset, so distinct offsets give disjoint key sets.
func Keys(t testing.TB, n int, offset int) []*privval.PrivKey {
	t.Helper()
	keys := make([]*privval.PrivKey, n)
	for i := range keys {
		k, err := privval.GenerateKey(bytes.Repeat([]byte{byte(i + 1 + offset)}, 32))
		require.NoError(t, err)
		keys[i] = k
	}
	return keys
}

// StakeTable builds a table for keys. With no stakes every key gets 1.
func StakeTable(t testing.TB, epoch types.Epoch, keys []*privval.PrivKey, stakes ...uint64) *types.StakeTable {
	t.Helper()
	entries := make([]types.StakeTableEntry, len(keys))
	for i, k := range keys {
		stake := uint64(1)
		if len(stakes) > 0 {
			stake = stakes[i]
		}
		entries[i] = types.StakeTableEntry{PublicKey: k.PubKey(), Stake: uint256.NewInt(stake)}
	}
	st, err := types.NewStakeTable(epoch, entries)
	require.NoError(t, err)
	return st
}

// Vote returns a vote by key, signed at version.
func Vote(key *privval.PrivKey, kind types.CertKind, data types.VoteData, view types.View, version types.Version) *types.Vote {
	v := &types.Vote{Kind: kind, Data: data, View: view, Signer: key.PubKey()}
	v.Signature = key.Sign(v.SignBytes(version))
	return v
}

// Certificate aggregates signatures by keys[signers...] from st. With no
// signers listed every key signs.
func Certificate(
	t testing.TB,
	st *types.StakeTable,
	keys []*privval.PrivKey,
	kind types.CertKind,
	data types.VoteData,
	view types.View,
	version types.Version,
	signers ...int,
) *types.Certificate {
	t.Helper()
	if len(signers) == 0 {
		for i := range keys {
			signers = append(signers, i)
		}
	}
	msg := types.VersionedCommitment(kind, &data, view, version)
	bits := bitset.New(uint(st.Len()))
	sigs := make([]types.Signature, 0, len(signers))
	for _, i := range signers {
		idx, ok := st.IndexOf(keys[i].PubKey())
		require.True(t, ok, "key %d not in stake table", i)
		bits.Set(uint(idx))
		sigs = append(sigs, keys[i].Sign(msg[:]))
	}
	agg, err := types.AggregateSignatures(sigs)
	require.NoError(t, err)
	return &types.Certificate{Kind: kind, Data: data, View: view, Signers: bits, Signature: agg}
}

// Quorum is a stake table plus the keys behind it.
type Quorum struct {
	Table *types.StakeTable
	Keys  []*privval.PrivKey
}

// NewQuorum creates n equal-stake keys for epoch.
func NewQuorum(t testing.TB, epoch types.Epoch, n, offset int) *Quorum {
	t.Helper()
	keys := Keys(t, n, offset)
	return &Quorum{Table: StakeTable(t, epoch, keys), Keys: keys}
}

// QCFor returns a full quorum certificate over leaf at leaf's view.
func (q *Quorum) QCFor(t testing.TB, leaf *types.Leaf, epochHeight uint64, version types.Version) *types.Certificate {
	t.Helper()
	bn := leaf.BlockNumber
	data := types.VoteData{
		LeafCommit:  leaf.Commit(),
		Epoch:       leaf.Epoch(epochHeight),
		BlockNumber: &bn,
	}
	return Certificate(t, q.Table, q.Keys, types.KindQuorum, data, leaf.View, version)
}

// NextEpochQCFor returns the next epoch quorum's certificate over the same
// statement as qc.
func (q *Quorum) NextEpochQCFor(t testing.TB, qc *types.Certificate, version types.Version) *types.Certificate {
	t.Helper()
	return Certificate(t, q.Table, q.Keys, types.KindNextEpochQuorum, qc.Data.Copy(), qc.View, version)
}

// ChainBuilder produces hash-linked leaves, each justified by a QC for its
// parent.
type ChainBuilder struct {
	Quorum      *Quorum
	NextQuorum  *Quorum
	EpochHeight uint64

	// Upgrade, when set, is attached to every leaf and switches the version
	// QCs are signed at from its first view.
	Upgrade *types.Certificate
}

// versionAt returns the version a QC at view is signed with for a leaf at
// base version.
func (b *ChainBuilder) versionAt(view types.View, base types.Version) types.Version {
	if b.Upgrade != nil && view >= b.Upgrade.Data.Upgrade.NewVersionFirstView {
		return b.Upgrade.Data.Upgrade.NewVersion
	}
	return base
}

// Chain returns leaves at the given views with block numbers starting at
// firstBlock. Leaf i+1 carries the QC for leaf i. The first leaf carries a
// QC for a synthetic parent at view-1.
func (b *ChainBuilder) Chain(t testing.TB, views []types.View, firstBlock uint64, version types.Version) []*types.Leaf {
	t.Helper()
	parent := &types.Leaf{
		View:        views[0] - 1,
		BlockNumber: firstBlock - 1,
		Version:     version,
		JustifyQC:   types.GenesisQC(),
	}
	prevQC := b.Quorum.QCFor(t, parent, b.EpochHeight, b.versionAt(parent.View, version))

	leaves := make([]*types.Leaf, len(views))
	for i, v := range views {
		leaf := &types.Leaf{
			View:               v,
			BlockNumber:        firstBlock + uint64(i),
			ParentCommitment:   parent.Commit(),
			PayloadCommitment:  types.HashBytes([]byte{byte(v)}),
			Version:            version,
			JustifyQC:          prevQC,
			UpgradeCertificate: b.Upgrade,
		}
		if i > 0 {
			b.attachNextEpochQC(t, leaf, parent, version)
		}
		leaves[i] = leaf
		parent = leaf
		prevQC = b.Quorum.QCFor(t, leaf, b.EpochHeight, b.versionAt(leaf.View, version))
	}
	return leaves
}

// Next returns a leaf extending parent at view, justified by a QC for
// parent.
func (b *ChainBuilder) Next(t testing.TB, parent *types.Leaf, view types.View) *types.Leaf {
	t.Helper()
	leaf := &types.Leaf{
		View:               view,
		BlockNumber:        parent.BlockNumber + 1,
		ParentCommitment:   parent.Commit(),
		PayloadCommitment:  types.HashBytes([]byte{byte(view)}),
		Version:            parent.Version,
		JustifyQC:          b.Quorum.QCFor(t, parent, b.EpochHeight, b.versionAt(parent.View, parent.Version)),
		UpgradeCertificate: b.Upgrade,
	}
	b.attachNextEpochQC(t, leaf, parent, parent.Version)
	return leaf
}

func (b *ChainBuilder) attachNextEpochQC(t testing.TB, leaf, parent *types.Leaf, version types.Version) {
	if b.NextQuorum == nil || !types.IsEpochTransition(parent.BlockNumber, b.EpochHeight) {
		return
	}
	leaf.NextEpochJustifyQC = b.NextQuorum.NextEpochQCFor(t, leaf.JustifyQC, b.versionAt(parent.View, version))
}

// UpgradeCert returns an upgrade certificate moving from old to new at
// firstView, signed by q.
func (q *Quorum) UpgradeCert(t testing.TB, old, new types.Version, firstView types.View) *types.Certificate {
	t.Helper()
	data := types.VoteData{
		Epoch: q.Table.Epoch(),
		Upgrade: &types.UpgradeData{
			OldVersion:          old,
			NewVersion:          new,
			DecideBy:            firstView,
			OldVersionLastView:  firstView - 1,
			NewVersionFirstView: firstView,
		},
	}
	return Certificate(t, q.Table, q.Keys, types.KindUpgrade, data, 0, old)
}

// QCChain returns the certificates by which each leaf justifies its
// parent.
func QCChain(leaves []*types.Leaf) []*types.CertificatePair {
	out := make([]*types.CertificatePair, len(leaves))
	for i, l := range leaves {
		out[i] = types.ForParent(l)
	}
	return out
}
