package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/blockberries/quorumberry/evidence"
	"github.com/blockberries/quorumberry/internal/testkit"
	"github.com/blockberries/quorumberry/membership"
	"github.com/blockberries/quorumberry/privval"
	"github.com/blockberries/quorumberry/quorum"
	"github.com/blockberries/quorumberry/storage"
	"github.com/blockberries/quorumberry/types"
)

const testEpochHeight = 10

type sentQC struct {
	to   types.PublicKey
	pair *types.CertificatePair
}

type sentRootQC struct {
	to   types.PublicKey
	cert *types.EpochRootCertificate
}

// recordingOutbox keeps everything the event loop emits.
type recordingOutbox struct {
	mu        sync.Mutex
	votes     []*types.Vote
	certs     []*types.Certificate
	rootCerts []*types.EpochRootCertificate
	highQCs   []sentQC
	extended  []*types.CertificatePair
	rootQCs   []sentRootQC
	views     []ViewChange
}

func (o *recordingOutbox) BroadcastVote(vote *types.Vote) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.votes = append(o.votes, vote)
}

func (o *recordingOutbox) CertFormed(cert *types.Certificate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.certs = append(o.certs, cert)
}

func (o *recordingOutbox) EpochRootCertFormed(cert *types.EpochRootCertificate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rootCerts = append(o.rootCerts, cert)
}

func (o *recordingOutbox) SendHighQC(to types.PublicKey, pair *types.CertificatePair) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.highQCs = append(o.highQCs, sentQC{to: to, pair: pair})
}

func (o *recordingOutbox) SendExtendedQC(pair *types.CertificatePair) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.extended = append(o.extended, pair)
}

func (o *recordingOutbox) SendEpochRootQC(to types.PublicKey, cert *types.EpochRootCertificate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rootQCs = append(o.rootQCs, sentRootQC{to: to, cert: cert})
}

func (o *recordingOutbox) ViewChanged(view types.View, epoch types.Epoch) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.views = append(o.views, ViewChange{View: view, Epoch: epoch})
}

func (o *recordingOutbox) certsOfKind(kind types.CertKind) []*types.Certificate {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*types.Certificate
	for _, c := range o.certs {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (o *recordingOutbox) broadcastVotes() []*types.Vote {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*types.Vote(nil), o.votes...)
}

// harness is a ConsensusTaskState in epoch 1 whose events are driven
// directly through process. Epoch 1 is signed by q, epoch 2 by next.
type harness struct {
	q       *testkit.Quorum
	next    *testkit.Quorum
	static  *membership.Static
	members *membership.Coordinator
	store   *storage.LevelStore
	cons    *Consensus
	pool    *evidence.Pool
	out     *recordingOutbox
	metrics *Metrics
	config  *Config
	self    *privval.PrivKey
	state   *ConsensusTaskState
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	next     *testkit.Quorum
	selfView types.View
	version  types.Version
	noPV     bool
}

// withNextQuorum sets the stake table of epoch 2.
func withNextQuorum(q *testkit.Quorum) harnessOption {
	return func(c *harnessConfig) { c.next = q }
}

// withLeaderOf makes the harness node the leader of view in epoch 1.
func withLeaderOf(view types.View) harnessOption {
	return func(c *harnessConfig) { c.selfView = view }
}

func withVersion(v types.Version) harnessOption {
	return func(c *harnessConfig) { c.version = v }
}

func withoutPrivValidator() harnessOption {
	return func(c *harnessConfig) { c.noPV = true }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	hc := harnessConfig{version: types.EpochVersion}
	for _, o := range opts {
		o(&hc)
	}

	q := testkit.NewQuorum(t, 1, 4, 0)
	next := hc.next
	if next == nil {
		next = testkit.NewQuorum(t, 2, 4, 10)
	}

	static := membership.NewStatic()
	static.Set(1, q.Table, nil)
	static.Set(2, next.Table, nil)

	mcfg := membership.DefaultCoordinatorConfig()
	mcfg.FetchAttempts = 1
	mcfg.RetryDelay = time.Millisecond
	logger := zaptest.NewLogger(t)
	members, err := membership.NewCoordinator(mcfg, static, logger)
	require.NoError(t, err)
	t.Cleanup(members.Close)

	store := storage.NewMemStore()
	t.Cleanup(func() { store.Close() })
	cons, err := NewConsensus(store, testEpochHeight, hc.version)
	require.NoError(t, err)
	_, err = cons.UpdateEpoch(1)
	require.NoError(t, err)

	self := q.Keys[0]
	for _, k := range q.Keys {
		if k.PubKey().Equal(q.Table.Leader(hc.selfView)) {
			self = k
		}
	}
	var pv privval.PrivValidator
	if !hc.noPV {
		pv = privval.NewMemPV(self)
	}

	config := DefaultConfig()
	config.EpochHeight = testEpochHeight
	config.Version = hc.version
	config.ViewTimeout = time.Hour
	config.RetainViews = 8
	config.StoragePath = ""

	pool := evidence.NewPool(evidence.DefaultConfig(), logger)
	out := &recordingOutbox{}
	metrics := NewMetrics(prometheus.NewRegistry())
	verifier := quorum.NewStakeTableQuorum(members, testEpochHeight, logger)
	state := NewConsensusTaskState(config, cons, members, verifier, pv, pool, out, metrics, logger)
	t.Cleanup(state.timeout.Stop)

	return &harness{
		q:       q,
		next:    next,
		static:  static,
		members: members,
		store:   store,
		cons:    cons,
		pool:    pool,
		out:     out,
		metrics: metrics,
		config:  config,
		self:    self,
		state:   state,
	}
}

func (h *harness) process(ev Event) {
	h.state.process(context.Background(), ev)
}

// data returns vote data for block bn in epoch 1.
func (h *harness) data(leaf types.Commitment, bn uint64) types.VoteData {
	return types.VoteData{LeafCommit: leaf, Epoch: 1, BlockNumber: &bn}
}

// leaf returns a leaf at view for block bn.
func (h *harness) leaf(view types.View, bn uint64) *types.Leaf {
	return &types.Leaf{
		View:              view,
		BlockNumber:       bn,
		PayloadCommitment: types.HashBytes([]byte{byte(view), byte(bn)}),
		Version:           h.config.Version,
		JustifyQC:         types.GenesisQC(),
	}
}

// voteQuorum delivers quorum votes from keys[signers...] of q.
func (h *harness) voteQuorum(q *testkit.Quorum, data types.VoteData, view types.View, signers ...int) {
	for _, i := range signers {
		h.process(QuorumVoteRecv{Vote: testkit.Vote(q.Keys[i], types.KindQuorum, data, view, h.config.Version)})
	}
}
