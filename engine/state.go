package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/blockberries/quorumberry/evidence"
	"github.com/blockberries/quorumberry/membership"
	"github.com/blockberries/quorumberry/privval"
	"github.com/blockberries/quorumberry/quorum"
	"github.com/blockberries/quorumberry/types"
)

// Membership resolves epoch memberships and prefetches upcoming ones.
// membership.Coordinator implements it.
type Membership interface {
	membership.Provider
	Warm(epoch types.Epoch)
}

// Verifier checks received certificates. quorum.StakeTableQuorum
// implements it.
type Verifier interface {
	quorum.Verifier
	VerifyCertificate(ctx context.Context, cert *types.Certificate, version types.Version) error
	VerifyStateCert(ctx context.Context, cert *types.LightClientStateCert) error
}

// ConsensusTaskState is the consensus event loop. One goroutine consumes
// events in delivery order; follow-up events a handler produces are
// processed right after it, before the next delivered event.
type ConsensusTaskState struct {
	mu sync.Mutex

	config  *Config
	logger  *zap.Logger
	metrics *Metrics

	cons     *Consensus
	members  Membership
	verifier Verifier
	privVal  privval.PrivValidator
	evidence *evidence.Pool
	outbox   Outbox
	self     types.PublicKey

	quorumVotes    *VoteCollectorsMap[*VoteAccumulator]
	nextEpochVotes *VoteCollectorsMap[*VoteAccumulator]
	timeoutVotes   *VoteCollectorsMap[*VoteAccumulator]
	epochRootVotes *VoteCollectorsMap[*EpochRootAccumulator]

	timeout *TimeoutTask
	events  chan Event
	pending []Event

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewConsensusTaskState creates the event loop. pv may be nil for a node
// that only follows consensus.
func NewConsensusTaskState(
	config *Config,
	cons *Consensus,
	members Membership,
	verifier Verifier,
	pv privval.PrivValidator,
	pool *evidence.Pool,
	outbox Outbox,
	metrics *Metrics,
	logger *zap.Logger,
) *ConsensusTaskState {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	s := &ConsensusTaskState{
		config:   config,
		logger:   logger,
		metrics:  metrics,
		cons:     cons,
		members:  members,
		verifier: verifier,
		privVal:  pv,
		evidence: pool,
		outbox:   outbox,
		timeout:  NewTimeoutTask(config.ViewTimeout),
		events:   make(chan Event, config.EventBufferSize),
	}
	if pv != nil {
		s.self = pv.GetPubKey()
	}

	var reporter EvidenceReporter
	if pool != nil {
		reporter = pool
	}
	collector := func(kind types.CertKind) func(types.View, types.Epoch) *VoteAccumulator {
		return func(view types.View, _ types.Epoch) *VoteAccumulator {
			return NewVoteAccumulator(view, kind, reporter, logger)
		}
	}
	s.quorumVotes = NewVoteCollectorsMap(config.RetainViews, collector(types.KindQuorum), logger)
	s.nextEpochVotes = NewVoteCollectorsMap(config.RetainViews, collector(types.KindNextEpochQuorum), logger)
	s.timeoutVotes = NewVoteCollectorsMap(config.RetainViews, collector(types.KindTimeout), logger)
	s.epochRootVotes = NewVoteCollectorsMap(config.RetainViews, func(view types.View, _ types.Epoch) *EpochRootAccumulator {
		return NewEpochRootAccumulator(view, reporter, logger)
	}, logger)
	return s
}

// Start starts the event loop and the timer for the current view.
func (s *ConsensusTaskState) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.started = true

	s.metrics.View.Set(float64(s.cons.View()))
	s.metrics.Epoch.Set(float64(s.cons.Epoch()))
	s.timeout.Reset(s.cons.View(), s.cons.Epoch())

	s.wg.Add(1)
	go s.receiveRoutine()
	return nil
}

// Stop stops the event loop and cancels the view timer.
func (s *ConsensusTaskState) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	s.timeout.Stop()
	s.wg.Wait()
	return nil
}

// Send queues ev for the event loop. It never blocks; when the queue is
// full the event is dropped and ErrEventQueueFull returned.
func (s *ConsensusTaskState) Send(ev Event) error {
	select {
	case s.events <- ev:
		return nil
	default:
		s.metrics.VotesDropped.WithLabelValues("overflow").Inc()
		return ErrEventQueueFull
	}
}

// GetState returns the current view and epoch.
func (s *ConsensusTaskState) GetState() (types.View, types.Epoch) {
	return s.cons.View(), s.cons.Epoch()
}

func (s *ConsensusTaskState) receiveRoutine() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case ev := <-s.events:
			s.process(s.ctx, ev)

		case ti := <-s.timeout.C():
			s.process(s.ctx, ti)
		}
	}
}

// process handles ev and then every follow-up event it produced.
func (s *ConsensusTaskState) process(ctx context.Context, ev Event) {
	s.pending = append(s.pending[:0], ev)
	for len(s.pending) > 0 {
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.handle(ctx, next)
	}
}

func (s *ConsensusTaskState) enqueue(evs ...Event) {
	s.pending = append(s.pending, evs...)
}

func (s *ConsensusTaskState) handle(ctx context.Context, ev Event) {
	switch ev := ev.(type) {
	case QuorumVoteRecv:
		s.dropVote("quorum vote", s.handleQuorumVote(ctx, ev.Vote))
	case TimeoutVoteRecv:
		s.dropVote("timeout vote", s.handleTimeoutVote(ctx, ev.Vote))
	case EpochRootQuorumVoteRecv:
		s.dropVote("epoch root vote", s.handleEpochRootVote(ctx, ev.Vote))
	case ViewChange:
		s.logError("view change", s.handleViewChange(ctx, ev))
	case Timeout:
		s.logError("timeout", s.handleTimeout(ctx, ev))
	case HighQcRecv:
		s.dropCert("high QC", s.handleHighQc(ctx, ev))
	case ExtendedQcRecv:
		s.dropCert("extended QC", s.handleExtendedQc(ctx, ev))
	case EpochRootQcRecv:
		s.dropCert("epoch root QC", s.handleEpochRootQc(ctx, ev))
	case Qc2Formed:
		s.logError("decide", s.decide(ctx, ev.QC))
		s.logError("formed QC", s.handleQc2Formed(ev))
	case ExtendedQc2Formed:
		s.logError("formed extended QC", s.handleExtendedQc2Formed(ev))
	default:
		s.logger.Error("unknown event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (s *ConsensusTaskState) dropVote(what string, err error) {
	if err == nil {
		return
	}
	s.metrics.VotesDropped.WithLabelValues(reason(err)).Inc()
	s.logError(what, err)
}

func (s *ConsensusTaskState) dropCert(what string, err error) {
	if err == nil {
		return
	}
	s.metrics.InvalidCerts.WithLabelValues(reason(err)).Inc()
	s.logError(what, err)
}

// logError logs err at the level of its class. Drops that are part of
// normal operation stay at debug.
func (s *ConsensusTaskState) logError(what string, err error) {
	if err == nil {
		return
	}
	msg := "failed to handle " + what
	fields := []zap.Field{
		zap.Stringer("cur_view", s.cons.View()),
		zap.Stringer("cur_epoch", s.cons.Epoch()),
		zap.Error(err),
	}
	if errors.Is(err, ErrNotLeader) || errors.Is(err, ErrNoStake) ||
		errors.Is(err, ErrStaleView) || errors.Is(err, ErrDuplicateVote) {
		s.logger.Debug(msg, fields...)
		return
	}
	switch Classify(err) {
	case ErrCryptoVerification:
		s.logger.Debug(msg, fields...)
	case ErrProtocolViolation:
		s.logger.Warn(msg, fields...)
	case ErrResourceUnavailable:
		s.logger.Info(msg, fields...)
	default:
		s.logger.Error(msg, fields...)
	}
}

func (s *ConsensusTaskState) isLeader(m *membership.EpochMembership, view types.View) bool {
	return !s.self.IsZero() && m.Leader(view).Equal(s.self)
}

func (s *ConsensusTaskState) handleQuorumVote(ctx context.Context, vote *types.Vote) error {
	if err := vote.ValidateBasic(); err != nil {
		return err
	}
	m, err := s.members.Membership(ctx, vote.Data.Epoch)
	if err != nil {
		return err
	}
	if !s.cons.HighQCInTransition() && !s.isLeader(m, vote.View+1) {
		return fmt.Errorf("%w: %s", ErrNotLeader, vote.View+1)
	}

	version := s.cons.VersionAt(vote.View)
	acc, err := s.quorumVotes.Collector(vote.View, vote.Data.Epoch)
	if err != nil {
		return err
	}
	cert, err := acc.Accumulate(vote, m, version)
	if err != nil {
		return err
	}
	if cert != nil {
		s.certFormed(cert)
	}

	// Votes inside an epoch transition are also counted toward the next
	// epoch's QC when the voter is staked there.
	bn := vote.Data.BlockNumber
	if bn == nil || !types.IsEpochTransition(*bn, s.config.EpochHeight) || !version.AtLeast(types.EpochVersion) {
		return nil
	}
	next, err := s.members.Membership(ctx, vote.Data.Epoch+1)
	if err != nil {
		return err
	}
	if !next.HasStake(vote.Signer) {
		return nil
	}
	nv := vote.Copy()
	nv.Kind = types.KindNextEpochQuorum
	acc, err = s.nextEpochVotes.Collector(vote.View, vote.Data.Epoch+1)
	if err != nil {
		return err
	}
	cert, err = acc.Accumulate(nv, next, version)
	if err != nil {
		return err
	}
	if cert != nil {
		s.certFormed(cert)
	}
	return nil
}

func (s *ConsensusTaskState) handleTimeoutVote(ctx context.Context, vote *types.Vote) error {
	if err := vote.ValidateBasic(); err != nil {
		return err
	}
	cur, err := s.members.Membership(ctx, s.cons.Epoch())
	if err != nil {
		return err
	}
	if !s.isLeader(cur, vote.View+1) {
		return fmt.Errorf("%w: %s", ErrNotLeader, vote.View+1)
	}
	m, err := s.members.Membership(ctx, vote.Data.Epoch)
	if err != nil {
		return err
	}
	acc, err := s.timeoutVotes.Collector(vote.View, vote.Data.Epoch)
	if err != nil {
		return err
	}
	cert, err := acc.Accumulate(vote, m, s.cons.VersionAt(vote.View))
	if err != nil {
		return err
	}
	if cert != nil {
		s.certFormed(cert)
	}
	return nil
}

func (s *ConsensusTaskState) handleEpochRootVote(ctx context.Context, vote *EpochRootVote) error {
	if vote == nil || vote.Vote == nil {
		return fmt.Errorf("%w: empty epoch root vote", ErrInvalidMessage)
	}
	v := vote.Vote
	if v.Data.BlockNumber == nil || !types.IsEpochRoot(*v.Data.BlockNumber, s.config.EpochHeight) {
		return ErrNotEpochRoot
	}
	m, err := s.members.Membership(ctx, v.Data.Epoch)
	if err != nil {
		return err
	}
	if !s.isLeader(m, v.View+1) {
		return fmt.Errorf("%w: %s", ErrNotLeader, v.View+1)
	}
	acc, err := s.epochRootVotes.Collector(v.View, v.Data.Epoch)
	if err != nil {
		return err
	}
	cert, err := acc.Accumulate(vote, m, s.cons.VersionAt(v.View))
	if err != nil {
		return err
	}
	if cert == nil {
		return nil
	}

	s.metrics.CertsFormed.WithLabelValues(types.KindEpochRoot.String()).Inc()
	s.outbox.EpochRootCertFormed(cert)
	s.updateHighQC(cert.QC)
	s.updateStateCert(cert.StateCert)
	s.enqueue(
		ViewChange{View: cert.QC.View + 1, Epoch: cert.QC.Epoch()},
		Qc2Formed{QC: cert.QC},
	)
	return nil
}

// certFormed applies a certificate this node formed.
func (s *ConsensusTaskState) certFormed(cert *types.Certificate) {
	s.metrics.CertsFormed.WithLabelValues(cert.Kind.String()).Inc()
	s.outbox.CertFormed(cert)

	switch cert.Kind {
	case types.KindQuorum:
		s.updateHighQC(cert)
		s.updateTransitionQC()
		s.enqueue(
			ViewChange{View: cert.View + 1, Epoch: cert.Epoch()},
			Qc2Formed{QC: cert},
		)

	case types.KindNextEpochQuorum:
		s.updateNextEpochHighQC(cert)
		s.updateTransitionQC()
		s.enqueue(ViewChange{View: cert.View + 1, Epoch: cert.Epoch()})
		hq := s.cons.HighQC()
		if bn, ok := cert.BlockNumber(); ok && types.IsLastBlock(bn, s.config.EpochHeight) &&
			hq.View == cert.View && hq.LeafCommit() == cert.LeafCommit() {
			s.enqueue(ExtendedQc2Formed{QC: hq, NextEpochQC: cert})
		}

	case types.KindTimeout:
		s.enqueue(ViewChange{View: cert.View + 1, Epoch: cert.Epoch()})
	}
}

// updateHighQC advances the high QC if qc is newer and reports whether it
// did.
func (s *ConsensusTaskState) updateHighQC(qc *types.Certificate) bool {
	if qc.View <= s.cons.HighQC().View {
		return false
	}
	updated, err := s.cons.UpdateHighQC(qc)
	if err != nil {
		s.logError("high QC update", err)
	}
	if updated {
		s.metrics.HighQCUpdates.Inc()
	}
	return updated
}

func (s *ConsensusTaskState) updateNextEpochHighQC(qc *types.Certificate) bool {
	if cur := s.cons.NextEpochHighQC(); cur != nil && qc.View <= cur.View {
		return false
	}
	updated, err := s.cons.UpdateNextEpochHighQC(qc)
	if err != nil {
		s.logError("next epoch high QC update", err)
	}
	return updated
}

func (s *ConsensusTaskState) updateStateCert(cert *types.LightClientStateCert) bool {
	if cur := s.cons.StateCert(); cur != nil && cert.Epoch <= cur.Epoch {
		return false
	}
	updated, err := s.cons.UpdateStateCert(cert)
	if err != nil {
		s.logError("state certificate update", err)
	}
	return updated
}

// updateTransitionQC records the high QC and next epoch high QC as the
// transition QC once both certify the same block inside an epoch
// transition.
func (s *ConsensusTaskState) updateTransitionQC() {
	hq, next := s.cons.HighQC(), s.cons.NextEpochHighQC()
	if next == nil || hq.View != next.View || hq.LeafCommit() != next.LeafCommit() {
		return
	}
	s.recordTransitionQC(types.NewCertificatePair(hq, next))
}

func (s *ConsensusTaskState) recordTransitionQC(pair *types.CertificatePair) {
	bn, ok := pair.QC.BlockNumber()
	if !ok || !types.IsEpochTransition(bn, s.config.EpochHeight) {
		return
	}
	if cur := s.cons.TransitionQC(); cur != nil && pair.View() <= cur.View() {
		return
	}
	if _, err := s.cons.UpdateTransitionQC(pair); err != nil {
		s.logError("transition QC update", err)
	}
}

func (s *ConsensusTaskState) handleViewChange(ctx context.Context, ev ViewChange) error {
	if ev.Epoch > s.cons.Epoch() {
		if _, err := s.cons.UpdateEpoch(ev.Epoch); err != nil {
			return err
		}
		s.metrics.Epoch.Set(float64(ev.Epoch))
		s.logger.Info("entered epoch", zap.Stringer("epoch", ev.Epoch))
	}

	old := s.cons.View()
	if ev.View <= old {
		if ev.View < old {
			s.logger.Debug("ignoring view change to an old view",
				zap.Stringer("view", ev.View),
				zap.Stringer("cur_view", old))
		}
		return nil
	}

	if err := s.sendHighQC(ctx, ev.View); err != nil {
		s.logger.Debug("high QC not sent", zap.Stringer("view", ev.View), zap.Error(err))
	}

	if _, err := s.cons.UpdateView(ev.View); err != nil {
		return err
	}
	epoch := s.cons.Epoch()
	s.metrics.View.Set(float64(ev.View))
	s.timeout.Reset(ev.View, epoch)

	floor := ev.View - 1
	s.quorumVotes.GC(floor)
	s.nextEpochVotes.GC(floor)
	s.timeoutVotes.GC(floor)
	s.epochRootVotes.GC(floor)
	if retain := types.View(s.config.RetainViews); ev.View > retain {
		s.cons.GCLeaves(ev.View - retain)
	}
	if s.evidence != nil {
		s.evidence.Update(ev.View)
	}

	if uint64(old)/100 != uint64(ev.View)/100 {
		s.logger.Info("progress", zap.Stringer("view", ev.View), zap.Stringer("epoch", epoch))
	} else {
		s.logger.Debug("entered view", zap.Stringer("view", ev.View), zap.Stringer("epoch", epoch))
	}
	s.outbox.ViewChanged(ev.View, epoch)
	return nil
}

// sendHighQC sends the high QC to the leader of view. Past the last block
// of an epoch the extended QC goes to everyone instead.
func (s *ConsensusTaskState) sendHighQC(ctx context.Context, view types.View) error {
	if !s.cons.VersionAt(view).AtLeast(types.EpochVersion) {
		return nil
	}
	hq := s.cons.HighQC()
	if hq.IsGenesis() {
		return nil
	}
	bn, _ := hq.BlockNumber()
	h := s.config.EpochHeight

	if types.IsLastBlock(bn, h) {
		next := s.cons.NextEpochHighQC()
		if next == nil || next.LeafCommit() != hq.LeafCommit() {
			return fmt.Errorf("%w: extended QC at %s", types.ErrMissingNextEpochQC, hq.View)
		}
		s.outbox.SendExtendedQC(types.NewCertificatePair(hq, next))
		return nil
	}

	m, err := s.members.Membership(ctx, s.cons.Epoch())
	if err != nil {
		return err
	}
	leader := m.Leader(view)

	switch {
	case types.IsEpochTransition(bn, h):
		tqc := s.cons.TransitionQC()
		if tqc == nil {
			return fmt.Errorf("%w: no transition QC", types.ErrMissingNextEpochQC)
		}
		s.outbox.SendHighQC(leader, tqc)
	case types.IsEpochRoot(bn, h):
		sc := s.cons.StateCert()
		if sc == nil || !stateCertCorresponds(hq, sc, h) {
			return fmt.Errorf("%w: no state certificate for epoch root QC", types.ErrStateCertEpochMismatch)
		}
		s.outbox.SendEpochRootQC(leader, &types.EpochRootCertificate{QC: hq, StateCert: sc})
	default:
		s.outbox.SendHighQC(leader, types.NewCertificatePair(hq, nil))
	}
	return nil
}

func (s *ConsensusTaskState) handleTimeout(ctx context.Context, ev Timeout) error {
	if ev.View < s.cons.View() {
		return fmt.Errorf("%w: timeout for %s", ErrStaleView, ev.View)
	}
	s.metrics.TimeoutsFired.Inc()
	if s.privVal == nil {
		return ErrNoPrivValidator
	}
	m, err := s.members.Membership(ctx, ev.Epoch)
	if err != nil {
		return err
	}
	if !m.HasStake(s.self) {
		return fmt.Errorf("%w: %s", ErrNoStake, ev.Epoch)
	}

	vote := &types.Vote{
		Kind: types.KindTimeout,
		Data: types.VoteData{Epoch: ev.Epoch},
		View: ev.View,
	}
	if err := s.privVal.SignVote(vote, s.cons.VersionAt(ev.View)); err != nil {
		return fmt.Errorf("failed to sign timeout vote: %w", err)
	}
	s.logger.Warn("no progress in time, sending timeout vote", zap.Stringer("view", ev.View))
	s.outbox.BroadcastVote(vote)
	return nil
}

// validateQC checks a received QC and, inside an epoch transition, its
// next epoch QC. A next epoch QC outside a transition is ignored.
func (s *ConsensusTaskState) validateQC(ctx context.Context, qc, next *types.Certificate) (*types.CertificatePair, error) {
	if qc == nil {
		return nil, fmt.Errorf("%w: missing QC", ErrInvalidMessage)
	}
	version := s.cons.VersionAt(qc.View)
	bn, hasBN := qc.BlockNumber()
	if version.AtLeast(types.EpochVersion) && !hasBN {
		return nil, types.ErrMissingBlockNumber
	}
	if next != nil && !(hasBN && types.IsEpochTransition(bn, s.config.EpochHeight)) {
		next = nil
	}
	pair := types.NewCertificatePair(qc, next)
	if err := s.verifier.Verify(ctx, pair, version); err != nil {
		return nil, err
	}
	return pair, nil
}

func (s *ConsensusTaskState) handleHighQc(ctx context.Context, ev HighQcRecv) error {
	if ev.QC != nil && ev.QC.View <= s.cons.HighQC().View {
		return nil
	}
	pair, err := s.validateQC(ctx, ev.QC, ev.NextEpochQC)
	if err != nil {
		return err
	}

	updated := false
	if pair.NextEpochQC != nil {
		s.recordTransitionQC(pair)
		updated = s.updateNextEpochHighQC(pair.NextEpochQC)
	}
	if s.updateHighQC(pair.QC) {
		updated = true
	}
	if updated {
		s.enqueue(ViewChange{View: pair.View() + 1, Epoch: pair.Epoch()})
	}
	return nil
}

func (s *ConsensusTaskState) handleExtendedQc(ctx context.Context, ev ExtendedQcRecv) error {
	if ev.QC == nil {
		return fmt.Errorf("%w: missing QC", ErrInvalidMessage)
	}
	if bn, ok := ev.QC.BlockNumber(); !ok || !types.IsLastBlock(bn, s.config.EpochHeight) {
		return ErrNotLastBlock
	}
	if ev.NextEpochQC == nil {
		return types.ErrMissingNextEpochQC
	}
	pair, err := s.validateQC(ctx, ev.QC, ev.NextEpochQC)
	if err != nil {
		return err
	}

	s.recordTransitionQC(pair)
	hq := s.updateHighQC(pair.QC)
	nq := s.updateNextEpochHighQC(pair.NextEpochQC)
	if hq || nq {
		next := pair.Epoch() + 1
		s.logger.Info("received extended QC", zap.Stringer("view", pair.View()), zap.Stringer("next_epoch", next))
		s.enqueue(ViewChange{View: pair.View() + 1, Epoch: next})
	}
	return nil
}

func (s *ConsensusTaskState) handleEpochRootQc(ctx context.Context, ev EpochRootQcRecv) error {
	cert := ev.Cert
	if cert == nil || cert.QC == nil || cert.StateCert == nil {
		return fmt.Errorf("%w: incomplete epoch root certificate", ErrInvalidMessage)
	}
	if bn, ok := cert.QC.BlockNumber(); !ok || !types.IsEpochRoot(bn, s.config.EpochHeight) {
		return ErrNotEpochRoot
	}
	if !stateCertCorresponds(cert.QC, cert.StateCert, s.config.EpochHeight) {
		return types.ErrStateCertEpochMismatch
	}
	if _, err := s.validateQC(ctx, cert.QC, nil); err != nil {
		return err
	}
	if err := s.verifier.VerifyStateCert(ctx, cert.StateCert); err != nil {
		return err
	}

	hq := s.updateHighQC(cert.QC)
	sc := s.updateStateCert(cert.StateCert)
	if hq || sc {
		s.enqueue(ViewChange{View: cert.QC.View + 1, Epoch: cert.QC.Epoch()})
	}
	return nil
}

func (s *ConsensusTaskState) handleQc2Formed(ev Qc2Formed) error {
	bn, ok := ev.QC.BlockNumber()
	if !ok || !types.IsLastBlock(bn, s.config.EpochHeight) {
		return nil
	}
	if _, ok := s.cons.Leaf(ev.QC.LeafCommit()); !ok {
		return fmt.Errorf("%w: certified by QC at %s", ErrUnknownLeaf, ev.QC.View)
	}
	s.enterNextEpoch(ev.QC)
	return nil
}

// decide applies the commit rule to the chain ending in the leaf qc
// certifies. When a leaf is decided and carries an upgrade certificate,
// the certificate is verified at the upgrade threshold before the upgrade
// takes effect.
func (s *ConsensusTaskState) decide(ctx context.Context, qc *types.Certificate) error {
	leaf := s.decidedLeaf(qc)
	if leaf == nil || leaf.UpgradeCertificate == nil {
		return nil
	}
	cert := leaf.UpgradeCertificate
	if cert.Kind != types.KindUpgrade {
		return fmt.Errorf("%w: upgrade certificate of kind %s", ErrWrongKind, cert.Kind)
	}
	if err := s.verifier.VerifyCertificate(ctx, cert, s.cons.VersionAt(cert.View)); err != nil {
		return fmt.Errorf("upgrade certificate in decided leaf at %s: %w", leaf.View, err)
	}
	if u := cert.Data.Upgrade; s.cons.DecideUpgrade(u) {
		s.logger.Info("decided upgrade",
			zap.Stringer("old_version", u.OldVersion),
			zap.Stringer("new_version", u.NewVersion),
			zap.Stringer("first_view", u.NewVersionFirstView))
	}
	return nil
}

// decidedLeaf walks back from the leaf certified by qc along justify QCs
// and returns the leaf the commit rule decides, or nil when the chain is
// too short, not consecutive, or not saved locally.
func (s *ConsensusTaskState) decidedLeaf(qc *types.Certificate) *types.Leaf {
	leaf, ok := s.cons.Leaf(qc.LeafCommit())
	if !ok || leaf.View != qc.View {
		return nil
	}
	rule := quorum.CommitRuleFor(s.cons.VersionAt(qc.View))
	for i := 1; i < rule.ChainLength(); i++ {
		justify := leaf.JustifyQC
		if justify == nil || justify.View+1 != leaf.View {
			return nil
		}
		if leaf, ok = s.cons.Leaf(justify.LeafCommit()); !ok || leaf.View != justify.View {
			return nil
		}
	}
	return leaf
}

func (s *ConsensusTaskState) handleExtendedQc2Formed(ev ExtendedQc2Formed) error {
	bn, ok := ev.QC.BlockNumber()
	if !ok {
		return types.ErrMissingBlockNumber
	}
	if !types.IsLastBlock(bn, s.config.EpochHeight) {
		return ErrNotLastBlock
	}
	s.logger.Info("formed extended QC", zap.Stringer("view", ev.QC.View), zap.Stringer("epoch", ev.QC.Epoch()))
	s.enterNextEpoch(ev.QC)
	return nil
}

// enterNextEpoch moves past the last block certified by qc and warms the
// stake tables that will be needed next.
func (s *ConsensusTaskState) enterNextEpoch(qc *types.Certificate) {
	next := qc.Epoch() + 1
	s.members.Warm(next)
	s.members.Warm(next + 1)
	s.enqueue(ViewChange{View: qc.View + 1, Epoch: next})
}

// stateCertCorresponds reports whether sc is the state certificate for
// the epoch root block certified by qc.
func stateCertCorresponds(qc *types.Certificate, sc *types.LightClientStateCert, epochHeight uint64) bool {
	bn, ok := qc.BlockNumber()
	return ok && types.IsEpochRoot(bn, epochHeight) &&
		sc.Epoch == qc.Epoch() &&
		sc.StateCommit == qc.Data.StateCommit
}
