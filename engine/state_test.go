package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/blockberries/quorumberry/internal/testkit"
	"github.com/blockberries/quorumberry/quorum"
	"github.com/blockberries/quorumberry/types"
)

func TestQuorumVotesFormOneCertificate(t *testing.T) {
	h := newHarness(t, withLeaderOf(8))
	leaf := h.leaf(7, 3)
	data := h.data(leaf.Commit(), 3)

	h.voteQuorum(h.q, data, 7, 0, 1)
	require.Empty(t, h.out.certsOfKind(types.KindQuorum))

	h.voteQuorum(h.q, data, 7, 2)
	certs := h.out.certsOfKind(types.KindQuorum)
	require.Len(t, certs, 1)
	cert := certs[0]
	require.Equal(t, types.View(7), cert.View)
	require.Equal(t, uint(3), cert.Signers.Count())
	require.NoError(t, cert.Verify(h.q.Table, h.q.Table.SuccessThreshold(), h.config.Version))

	require.Equal(t, types.View(7), h.cons.HighQC().View)
	require.Equal(t, types.View(8), h.cons.View())
	require.Contains(t, h.out.views, ViewChange{View: 8, Epoch: 1})
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CertsFormed.WithLabelValues("quorum")))

	// A late vote for the certified statement does not form a second
	// certificate.
	h.voteQuorum(h.q, data, 7, 3)
	require.Len(t, h.out.certsOfKind(types.KindQuorum), 1)

	outsider := testkit.Keys(t, 1, 50)[0]
	h.process(QuorumVoteRecv{Vote: testkit.Vote(outsider, types.KindQuorum, data, 7, h.config.Version)})
	require.Len(t, h.out.certsOfKind(types.KindQuorum), 1)
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.VotesDropped.WithLabelValues("protocol")))
}

func TestDuplicateVoteCountedOnce(t *testing.T) {
	h := newHarness(t, withLeaderOf(8))
	data := h.data(h.leaf(7, 3).Commit(), 3)
	vote := testkit.Vote(h.q.Keys[1], types.KindQuorum, data, 7, h.config.Version)

	h.process(QuorumVoteRecv{Vote: vote})
	h.process(QuorumVoteRecv{Vote: vote.Copy()})

	acc, err := h.state.quorumVotes.Collector(7, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), acc.Stake(vote.DataCommit()).Uint64())
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.VotesDropped.WithLabelValues("protocol")))
	require.Empty(t, h.out.certs)
}

func TestVoteForAnotherLeaderDropped(t *testing.T) {
	h := newHarness(t, withLeaderOf(8))
	data := h.data(h.leaf(9, 3).Commit(), 3)

	// Votes at view 9 go to the leader of view 10.
	h.voteQuorum(h.q, data, 9, 0, 1, 2)

	require.Empty(t, h.out.certs)
	require.Zero(t, h.state.quorumVotes.Len())
	require.Equal(t, 3.0, testutil.ToFloat64(h.metrics.VotesDropped.WithLabelValues("protocol")))
}

func TestEquivocatingVoterReported(t *testing.T) {
	h := newHarness(t, withLeaderOf(8))
	a := h.data(h.leaf(7, 3).Commit(), 3)
	b := h.data(types.HashBytes([]byte("other")), 3)

	h.voteQuorum(h.q, a, 7, 1)
	h.voteQuorum(h.q, b, 7, 1)

	pending := h.pool.Pending(0)
	require.Len(t, pending, 1)
	require.True(t, pending[0].Signer().Equal(h.q.Keys[1].PubKey()))
	require.Equal(t, types.View(7), pending[0].View())
}

func TestTransitionVotesFormNextEpochQC(t *testing.T) {
	keys := testkit.Keys(t, 4, 0)
	sameKeys := &testkit.Quorum{Table: testkit.StakeTable(t, 2, keys), Keys: keys}
	h := newHarness(t, withLeaderOf(21), withNextQuorum(sameKeys))

	leaf := h.leaf(20, testEpochHeight)
	h.cons.SaveLeaf(leaf)
	data := h.data(leaf.Commit(), testEpochHeight)

	h.voteQuorum(h.q, data, 20, 0, 1, 2)

	require.Len(t, h.out.certsOfKind(types.KindQuorum), 1)
	next := h.out.certsOfKind(types.KindNextEpochQuorum)
	require.Len(t, next, 1)
	require.NoError(t, next[0].Verify(sameKeys.Table, sameKeys.Table.SuccessThreshold(), h.config.Version))

	require.NotNil(t, h.cons.NextEpochHighQC())
	require.NotNil(t, h.cons.TransitionQC())
	require.Equal(t, types.View(20), h.cons.TransitionQC().View())
	require.Len(t, h.out.extended, 1)

	require.Equal(t, types.Epoch(2), h.cons.Epoch())
	require.Equal(t, types.View(21), h.cons.View())
}

func TestTransitionVotesSkipUnstakedSigners(t *testing.T) {
	h := newHarness(t, withLeaderOf(19))
	data := h.data(h.leaf(18, 8).Commit(), 8)

	h.voteQuorum(h.q, data, 18, 0, 1, 2)

	require.Len(t, h.out.certsOfKind(types.KindQuorum), 1)
	require.Empty(t, h.out.certsOfKind(types.KindNextEpochQuorum))
	require.Zero(t, h.state.nextEpochVotes.Len())
	require.Equal(t, types.Epoch(1), h.cons.Epoch())
}

func TestLastBlockQCWithoutLeafStaysInEpoch(t *testing.T) {
	h := newHarness(t, withLeaderOf(21))
	data := h.data(h.leaf(20, testEpochHeight).Commit(), testEpochHeight)

	h.voteQuorum(h.q, data, 20, 0, 1, 2)

	require.Len(t, h.out.certsOfKind(types.KindQuorum), 1)
	require.Equal(t, types.View(21), h.cons.View())
	require.Equal(t, types.Epoch(1), h.cons.Epoch())
}

func TestTimeoutVotesFormTimeoutCertificate(t *testing.T) {
	h := newHarness(t, withLeaderOf(8))
	data := types.VoteData{Epoch: 1}

	for i := 0; i < 3; i++ {
		vote := testkit.Vote(h.q.Keys[i], types.KindTimeout, data, 7, h.config.Version)
		h.process(TimeoutVoteRecv{Vote: vote})
	}

	require.Len(t, h.out.certsOfKind(types.KindTimeout), 1)
	require.Equal(t, types.View(8), h.cons.View())
	require.True(t, h.cons.HighQC().IsGenesis())
}

func TestViewChangeMonotone(t *testing.T) {
	h := newHarness(t)

	h.process(ViewChange{View: 5, Epoch: 1})
	require.Equal(t, types.View(5), h.cons.View())
	require.Len(t, h.out.views, 1)
	require.Equal(t, 5.0, testutil.ToFloat64(h.metrics.View))

	h.process(ViewChange{View: 5, Epoch: 1})
	h.process(ViewChange{View: 3, Epoch: 1})
	require.Equal(t, types.View(5), h.cons.View())
	require.Len(t, h.out.views, 1)
}

func TestViewChangeCollectsGarbage(t *testing.T) {
	h := newHarness(t, withLeaderOf(4))
	data := h.data(h.leaf(3, 3).Commit(), 3)

	h.voteQuorum(h.q, data, 3, 0)
	require.Equal(t, 1, h.state.quorumVotes.Len())

	h.process(ViewChange{View: 10, Epoch: 1})
	require.Zero(t, h.state.quorumVotes.Len())
	require.Equal(t, types.View(9), h.state.quorumVotes.Floor())
	require.Equal(t, types.View(9), h.state.timeoutVotes.Floor())

	h.voteQuorum(h.q, data, 3, 1)
	require.Zero(t, h.state.quorumVotes.Len())
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.VotesDropped.WithLabelValues("unavailable")))
}

func TestTimeoutSignsAndBroadcasts(t *testing.T) {
	h := newHarness(t)
	h.process(ViewChange{View: 4, Epoch: 1})

	h.process(Timeout{View: 4, Epoch: 1})

	votes := h.out.broadcastVotes()
	require.Len(t, votes, 1)
	vote := votes[0]
	require.Equal(t, types.KindTimeout, vote.Kind)
	require.Equal(t, types.View(4), vote.View)
	require.True(t, vote.Signer.Equal(h.self.PubKey()))
	require.NoError(t, vote.VerifySignature(h.config.Version))
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TimeoutsFired))

	// A timeout for a view already left is ignored.
	h.process(Timeout{View: 3, Epoch: 1})
	require.Len(t, h.out.broadcastVotes(), 1)
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TimeoutsFired))
}

func TestTimeoutWithoutVotingKey(t *testing.T) {
	h := newHarness(t, withoutPrivValidator())
	h.process(Timeout{View: 0, Epoch: 1})
	require.Empty(t, h.out.broadcastVotes())

	h = newHarness(t)
	// The harness key has no stake in epoch 2.
	h.process(Timeout{View: 0, Epoch: 2})
	require.Empty(t, h.out.broadcastVotes())
}

func TestHighQcAdvancesView(t *testing.T) {
	h := newHarness(t)
	qc := h.q.QCFor(t, h.leaf(5, 3), testEpochHeight, h.config.Version)

	h.process(HighQcRecv{QC: qc, Sender: h.q.Keys[1].PubKey()})
	require.Equal(t, types.View(5), h.cons.HighQC().View)
	require.Equal(t, types.View(6), h.cons.View())
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.HighQCUpdates))

	h.process(HighQcRecv{QC: qc, Sender: h.q.Keys[2].PubKey()})
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.HighQCUpdates))
	require.Zero(t, testutil.ToFloat64(h.metrics.InvalidCerts.WithLabelValues("crypto")))
}

func TestHighQcRejected(t *testing.T) {
	testCases := []struct {
		name   string
		qc     func(h *harness) *types.Certificate
		reason string
	}{
		{
			name: "insufficient stake",
			qc: func(h *harness) *types.Certificate {
				return testkit.Certificate(t, h.q.Table, h.q.Keys, types.KindQuorum,
					h.data(h.leaf(5, 3).Commit(), 3), 5, h.config.Version, 0, 1)
			},
			reason: "crypto",
		},
		{
			name: "signed by another epoch",
			qc: func(h *harness) *types.Certificate {
				data := h.data(h.leaf(5, 3).Commit(), 3)
				return testkit.Certificate(t, h.next.Table, h.next.Keys, types.KindQuorum, data, 5, h.config.Version)
			},
			reason: "crypto",
		},
		{
			name: "no block number",
			qc: func(h *harness) *types.Certificate {
				data := types.VoteData{LeafCommit: h.leaf(5, 3).Commit(), Epoch: 1}
				return testkit.Certificate(t, h.q.Table, h.q.Keys, types.KindQuorum, data, 5, h.config.Version)
			},
			reason: "protocol",
		},
		{
			name: "transition block without next epoch QC",
			qc: func(h *harness) *types.Certificate {
				return h.q.QCFor(t, h.leaf(5, 8), testEpochHeight, h.config.Version)
			},
			reason: "protocol",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.process(HighQcRecv{QC: tc.qc(h)})

			require.True(t, h.cons.HighQC().IsGenesis())
			require.Equal(t, types.View(0), h.cons.View())
			require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.InvalidCerts.WithLabelValues(tc.reason)))
		})
	}
}

func TestHighQcInTransitionRecordsTransitionQC(t *testing.T) {
	h := newHarness(t)
	qc := h.q.QCFor(t, h.leaf(16, 8), testEpochHeight, h.config.Version)
	next := h.next.NextEpochQCFor(t, qc, h.config.Version)

	h.process(HighQcRecv{QC: qc, NextEpochQC: next})

	require.Equal(t, types.View(16), h.cons.HighQC().View)
	require.Equal(t, types.View(16), h.cons.NextEpochHighQC().View)
	require.NotNil(t, h.cons.TransitionQC())
	require.Equal(t, qc.LeafCommit(), h.cons.TransitionQC().LeafCommit())
	require.Equal(t, types.View(17), h.cons.View())
	require.True(t, h.cons.HighQCInTransition())
}

func TestHighQcOutsideTransitionIgnoresNextEpochQC(t *testing.T) {
	h := newHarness(t)
	qc := h.q.QCFor(t, h.leaf(5, 3), testEpochHeight, h.config.Version)
	next := h.next.NextEpochQCFor(t, qc, h.config.Version)

	h.process(HighQcRecv{QC: qc, NextEpochQC: next})

	require.Equal(t, types.View(5), h.cons.HighQC().View)
	require.Nil(t, h.cons.NextEpochHighQC())
	require.Nil(t, h.cons.TransitionQC())
}

func TestExtendedQcEntersNextEpoch(t *testing.T) {
	h := newHarness(t)
	qc := h.q.QCFor(t, h.leaf(20, testEpochHeight), testEpochHeight, h.config.Version)
	next := h.next.NextEpochQCFor(t, qc, h.config.Version)

	h.process(ExtendedQcRecv{QC: qc, NextEpochQC: next})

	require.Equal(t, types.Epoch(2), h.cons.Epoch())
	require.Equal(t, types.View(21), h.cons.View())
	require.Equal(t, types.View(20), h.cons.TransitionQC().View())
	require.Contains(t, h.out.views, ViewChange{View: 21, Epoch: 2})
}

func TestExtendedQcRejected(t *testing.T) {
	h := newHarness(t)
	last := h.q.QCFor(t, h.leaf(20, testEpochHeight), testEpochHeight, h.config.Version)
	notLast := h.q.QCFor(t, h.leaf(18, 8), testEpochHeight, h.config.Version)

	h.process(ExtendedQcRecv{QC: last})
	h.process(ExtendedQcRecv{QC: notLast, NextEpochQC: h.next.NextEpochQCFor(t, notLast, h.config.Version)})

	require.Equal(t, types.Epoch(1), h.cons.Epoch())
	require.True(t, h.cons.HighQC().IsGenesis())
	require.Equal(t, 2.0, testutil.ToFloat64(h.metrics.InvalidCerts.WithLabelValues("protocol")))
}

// epochRootCert returns a QC for the epoch root block 5 at view 12 and a
// state certificate signed by every key of h.q.
func epochRootCert(t *testing.T, h *harness) *types.EpochRootCertificate {
	t.Helper()
	bn := uint64(5)
	data := types.VoteData{
		LeafCommit:  h.leaf(12, bn).Commit(),
		Epoch:       1,
		BlockNumber: &bn,
		StateCommit: types.HashBytes([]byte("light client state")),
	}
	qc := testkit.Certificate(t, h.q.Table, h.q.Keys, types.KindQuorum, data, 12, h.config.Version)
	sc := &types.LightClientStateCert{
		Epoch:           1,
		StateCommit:     data.StateCommit,
		NextStakeCommit: h.next.Table.Commit(),
	}
	for _, k := range h.q.Keys {
		sc.Signatures = append(sc.Signatures, types.StateSignatureShare{
			Signer:    k.PubKey(),
			Signature: k.Sign(sc.SignBytes()),
		})
	}
	return &types.EpochRootCertificate{QC: qc, StateCert: sc}
}

func TestEpochRootQcRecordsStateCert(t *testing.T) {
	h := newHarness(t)
	cert := epochRootCert(t, h)

	h.process(EpochRootQcRecv{Cert: cert, Sender: h.q.Keys[1].PubKey()})

	require.Equal(t, types.View(12), h.cons.HighQC().View)
	require.Equal(t, cert.StateCert, h.cons.StateCert())
	require.Equal(t, types.View(13), h.cons.View())

	// Entering view 13 forwards the epoch root QC with its state
	// certificate to the next leader.
	require.Len(t, h.out.rootQCs, 1)
	require.True(t, h.out.rootQCs[0].to.Equal(h.q.Table.Leader(13)))
	require.Equal(t, cert.StateCert, h.out.rootQCs[0].cert.StateCert)
}

func TestEpochRootQcMismatchedStateCert(t *testing.T) {
	h := newHarness(t)
	cert := epochRootCert(t, h)
	cert.StateCert.StateCommit = types.HashBytes([]byte("another state"))

	h.process(EpochRootQcRecv{Cert: cert})

	require.Nil(t, h.cons.StateCert())
	require.True(t, h.cons.HighQC().IsGenesis())
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.InvalidCerts.WithLabelValues("protocol")))
}

func TestEpochRootQcBadStateSignatures(t *testing.T) {
	h := newHarness(t)
	cert := epochRootCert(t, h)
	cert.StateCert.Signatures = cert.StateCert.Signatures[:2]

	h.process(EpochRootQcRecv{Cert: cert})

	require.Nil(t, h.cons.StateCert())
	require.True(t, h.cons.HighQC().IsGenesis())
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.InvalidCerts.WithLabelValues("crypto")))
}

func TestEpochRootVotesFormCertificate(t *testing.T) {
	h := newHarness(t, withLeaderOf(13))
	bn := uint64(5)
	data := types.VoteData{
		LeafCommit:  h.leaf(12, bn).Commit(),
		Epoch:       1,
		BlockNumber: &bn,
		StateCommit: types.HashBytes([]byte("light client state")),
	}
	nextStake := h.next.Table.Commit()

	for i := 0; i < 3; i++ {
		vote := &EpochRootVote{
			Vote:            testkit.Vote(h.q.Keys[i], types.KindQuorum, data, 12, h.config.Version),
			NextStakeCommit: nextStake,
		}
		vote.StateSignature = h.q.Keys[i].Sign(vote.StateCert().SignBytes())
		h.process(EpochRootQuorumVoteRecv{Vote: vote})
	}

	require.Len(t, h.out.rootCerts, 1)
	cert := h.out.rootCerts[0]
	require.NoError(t, cert.QC.Verify(h.q.Table, h.q.Table.SuccessThreshold(), h.config.Version))
	require.Len(t, cert.StateCert.Signatures, 3)
	require.NoError(t, cert.StateCert.Verify(h.q.Table, h.q.Table.SuccessThreshold()))

	require.Equal(t, cert.StateCert, h.cons.StateCert())
	require.Equal(t, types.View(12), h.cons.HighQC().View)
	require.Equal(t, types.View(13), h.cons.View())
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CertsFormed.WithLabelValues("epoch_root")))
}

func TestEpochRootVoteForOrdinaryBlock(t *testing.T) {
	h := newHarness(t, withLeaderOf(8))
	vote := &EpochRootVote{
		Vote: testkit.Vote(h.q.Keys[1], types.KindQuorum, h.data(h.leaf(7, 3).Commit(), 3), 7, h.config.Version),
	}
	vote.StateSignature = h.q.Keys[1].Sign(vote.StateCert().SignBytes())

	h.process(EpochRootQuorumVoteRecv{Vote: vote})

	require.Zero(t, h.state.epochRootVotes.Len())
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.VotesDropped.WithLabelValues("protocol")))
}

func TestSendQueueFull(t *testing.T) {
	h := newHarness(t)
	config := *h.config
	config.EventBufferSize = 1
	verifier := quorum.NewStakeTableQuorum(h.members, testEpochHeight, nil)
	s := NewConsensusTaskState(&config, h.cons, h.members, verifier, nil, nil, h.out, h.metrics, nil)

	require.NoError(t, s.Send(ViewChange{View: 1, Epoch: 1}))
	require.ErrorIs(t, s.Send(ViewChange{View: 2, Epoch: 1}), ErrEventQueueFull)
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.VotesDropped.WithLabelValues("overflow")))
}

func TestEventLoopStartStop(t *testing.T) {
	h := newHarness(t, withLeaderOf(8))
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	require.NoError(t, h.state.Start())
	require.ErrorIs(t, h.state.Start(), ErrAlreadyStarted)

	data := h.data(h.leaf(7, 3).Commit(), 3)
	for i := 0; i < 3; i++ {
		vote := testkit.Vote(h.q.Keys[i], types.KindQuorum, data, 7, h.config.Version)
		require.NoError(t, h.state.Send(QuorumVoteRecv{Vote: vote}))
	}
	require.Eventually(t, func() bool {
		view, _ := h.state.GetState()
		return view == 8
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, h.out.certsOfKind(types.KindQuorum), 1)

	require.NoError(t, h.state.Stop())
	require.ErrorIs(t, h.state.Stop(), ErrNotStarted)
}

func TestEventLoopTimeoutFires(t *testing.T) {
	h := newHarness(t)
	h.state.timeout = NewTimeoutTask(20 * time.Millisecond)

	require.NoError(t, h.state.Start())
	defer func() { require.NoError(t, h.state.Stop()) }()

	require.Eventually(t, func() bool {
		return len(h.out.broadcastVotes()) > 0
	}, 5*time.Second, 10*time.Millisecond)
	vote := h.out.broadcastVotes()[0]
	require.Equal(t, types.KindTimeout, vote.Kind)
	require.Equal(t, types.View(0), vote.View)
}

func TestProcessDrainsFollowUpsInOrder(t *testing.T) {
	h := newHarness(t)
	qc := h.q.QCFor(t, h.leaf(5, 3), testEpochHeight, h.config.Version)

	h.state.process(context.Background(), HighQcRecv{QC: qc})
	require.Empty(t, h.state.pending)
	require.Equal(t, []ViewChange{{View: 6, Epoch: 1}}, h.out.views)
}

// upgradeChain saves leaves at views 5, 6 and 7 for blocks 2 to 4, each
// justified by a QC for the one before. The view 5 leaf carries upgrade.
func (h *harness) upgradeChain(t *testing.T, upgrade *types.Certificate) []*types.Leaf {
	t.Helper()
	first := h.leaf(5, 2)
	first.UpgradeCertificate = upgrade
	leaves := []*types.Leaf{first}
	for i, view := range []types.View{6, 7} {
		parent := leaves[i]
		leaf := h.leaf(view, parent.BlockNumber+1)
		leaf.ParentCommitment = parent.Commit()
		leaf.JustifyQC = h.q.QCFor(t, parent, testEpochHeight, h.config.Version)
		leaves = append(leaves, leaf)
	}
	for _, l := range leaves {
		h.cons.SaveLeaf(l)
	}
	return leaves
}

func TestDecidedLeafAppliesUpgrade(t *testing.T) {
	outsiders := testkit.NewQuorum(t, 1, 4, 20)
	data := func() types.VoteData {
		return types.VoteData{
			Epoch: 1,
			Upgrade: &types.UpgradeData{
				OldVersion:          types.BaseVersion,
				NewVersion:          types.EpochVersion,
				DecideBy:            100,
				OldVersionLastView:  99,
				NewVersionFirstView: 100,
			},
		}
	}

	testCases := []struct {
		name    string
		upgrade func(h *harness) *types.Certificate
		want    types.Version
	}{
		{
			name: "signed by every voter",
			upgrade: func(h *harness) *types.Certificate {
				return testkit.Certificate(t, h.q.Table, h.q.Keys, types.KindUpgrade, data(), 0, types.BaseVersion)
			},
			want: types.EpochVersion,
		},
		{
			name: "unsigned",
			upgrade: func(*harness) *types.Certificate {
				return &types.Certificate{Kind: types.KindUpgrade, Data: data()}
			},
			want: types.BaseVersion,
		},
		{
			name: "below the upgrade threshold",
			upgrade: func(h *harness) *types.Certificate {
				return testkit.Certificate(t, h.q.Table, h.q.Keys, types.KindUpgrade, data(), 0, types.BaseVersion, 0, 1, 2)
			},
			want: types.BaseVersion,
		},
		{
			name: "signed by another quorum",
			upgrade: func(*harness) *types.Certificate {
				return testkit.Certificate(t, outsiders.Table, outsiders.Keys, types.KindUpgrade, data(), 0, types.BaseVersion)
			},
			want: types.BaseVersion,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, withLeaderOf(8), withVersion(types.BaseVersion))
			leaves := h.upgradeChain(t, tc.upgrade(h))
			require.Equal(t, types.BaseVersion, h.cons.VersionAt(100), "saving leaves must not apply the upgrade")

			last := leaves[2]
			h.voteQuorum(h.q, h.data(last.Commit(), last.BlockNumber), 7, 0, 1, 2)
			require.Len(t, h.out.certsOfKind(types.KindQuorum), 1)
			require.Equal(t, tc.want, h.cons.VersionAt(100))
			require.Equal(t, types.BaseVersion, h.cons.VersionAt(99))
		})
	}
}

func TestUpgradeWaitsForDecision(t *testing.T) {
	h := newHarness(t, withLeaderOf(7), withVersion(types.BaseVersion))
	upgrade := h.q.UpgradeCert(t, types.BaseVersion, types.EpochVersion, 100)
	leaves := h.upgradeChain(t, upgrade)

	// A QC for the view 6 leaf makes a two-chain, which does not decide
	// under the three-chain rule in force at the base version.
	mid := leaves[1]
	h.voteQuorum(h.q, h.data(mid.Commit(), mid.BlockNumber), 6, 0, 1, 2)
	require.Len(t, h.out.certsOfKind(types.KindQuorum), 1)
	require.Equal(t, types.BaseVersion, h.cons.VersionAt(100))
}
