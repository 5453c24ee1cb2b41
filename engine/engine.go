package engine

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/blockberries/quorumberry/evidence"
	"github.com/blockberries/quorumberry/membership"
	"github.com/blockberries/quorumberry/privval"
	"github.com/blockberries/quorumberry/quorum"
	"github.com/blockberries/quorumberry/storage"
	"github.com/blockberries/quorumberry/types"
)

// ConsensusMessageType identifies the type of consensus message
type ConsensusMessageType uint8

const (
	ConsensusMessageTypeVote          ConsensusMessageType = 1
	ConsensusMessageTypeEpochRootVote ConsensusMessageType = 2
	ConsensusMessageTypeHighQC        ConsensusMessageType = 3
	ConsensusMessageTypeExtendedQC    ConsensusMessageType = 4
	ConsensusMessageTypeEpochRootQC   ConsensusMessageType = 5
	ConsensusMessageTypeLeaf          ConsensusMessageType = 6
)

// Engine wires the consensus event loop to its storage, membership,
// certificate verification and evidence pool.
type Engine struct {
	mu sync.RWMutex

	config *Config
	logger *zap.Logger

	store    storage.Store
	members  *membership.Coordinator
	verifier *quorum.StakeTableQuorum
	evidence *evidence.Pool
	cons     *Consensus
	state    *ConsensusTaskState

	started bool
}

// NewEngine builds an engine. pv may be nil for a non-voting node. A nil
// reg leaves the metrics unregistered.
func NewEngine(
	config *Config,
	fetcher membership.Fetcher,
	pv privval.PrivValidator,
	outbox Outbox,
	logger *zap.Logger,
	reg prometheus.Registerer,
) (*Engine, error) {
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	members, err := membership.NewCoordinator(config.Membership, fetcher, logger.Named("membership"))
	if err != nil {
		return nil, err
	}

	var store storage.Store
	if config.StoragePath == "" {
		store = storage.NewMemStore()
	} else {
		store, err = storage.OpenLevelStore(config.StoragePath)
		if err != nil {
			members.Close()
			return nil, fmt.Errorf("failed to open consensus store: %w", err)
		}
	}

	cons, err := NewConsensus(store, config.EpochHeight, config.Version)
	if err != nil {
		members.Close()
		store.Close()
		return nil, err
	}

	verifier := quorum.NewStakeTableQuorum(members, config.EpochHeight, logger.Named("quorum"))
	pool := evidence.NewPool(config.Evidence, logger.Named("evidence"))

	e := &Engine{
		config:   config,
		logger:   logger,
		store:    store,
		members:  members,
		verifier: verifier,
		evidence: pool,
		cons:     cons,
	}
	e.state = NewConsensusTaskState(config, cons, members, verifier, pv, pool, outbox, NewMetrics(reg), logger.Named("consensus"))
	return e, nil
}

// Start starts the consensus engine
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}
	if err := e.state.Start(); err != nil {
		return fmt.Errorf("failed to start consensus state: %w", err)
	}

	view, epoch := e.state.GetState()
	e.logger.Info("consensus started", zap.Stringer("view", view), zap.Stringer("epoch", epoch))
	e.started = true
	return nil
}

// Stop stops the engine and releases the store. A stopped engine cannot
// be restarted.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return ErrNotStarted
	}
	e.started = false

	if err := e.state.Stop(); err != nil {
		return fmt.Errorf("failed to stop consensus state: %w", err)
	}
	e.members.Close()
	if err := e.store.Close(); err != nil {
		return fmt.Errorf("failed to close consensus store: %w", err)
	}
	return nil
}

func (e *Engine) send(ev Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.started {
		return ErrNotStarted
	}
	return e.state.Send(ev)
}

// AddVote queues a quorum or timeout vote received from the network.
func (e *Engine) AddVote(vote *types.Vote) error {
	if vote == nil {
		return fmt.Errorf("%w: nil vote", ErrInvalidMessage)
	}
	switch vote.Kind {
	case types.KindQuorum:
		return e.send(QuorumVoteRecv{Vote: vote})
	case types.KindTimeout:
		return e.send(TimeoutVoteRecv{Vote: vote})
	default:
		return fmt.Errorf("%w: %s", ErrWrongKind, vote.Kind)
	}
}

// AddEpochRootVote queues a vote for an epoch root block.
func (e *Engine) AddEpochRootVote(vote *EpochRootVote) error {
	return e.send(EpochRootQuorumVoteRecv{Vote: vote})
}

// AddHighQC queues a high QC sent by from.
func (e *Engine) AddHighQC(from types.PublicKey, pair *types.CertificatePair) error {
	if pair == nil {
		return fmt.Errorf("%w: nil QC", ErrInvalidMessage)
	}
	return e.send(HighQcRecv{QC: pair.QC, NextEpochQC: pair.NextEpochQC, Sender: from})
}

// AddExtendedQC queues the QC pair for the last block of an epoch.
func (e *Engine) AddExtendedQC(from types.PublicKey, pair *types.CertificatePair) error {
	if pair == nil {
		return fmt.Errorf("%w: nil QC", ErrInvalidMessage)
	}
	return e.send(ExtendedQcRecv{QC: pair.QC, NextEpochQC: pair.NextEpochQC, Sender: from})
}

// AddEpochRootQC queues an epoch root QC and its state certificate.
func (e *Engine) AddEpochRootQC(from types.PublicKey, cert *types.EpochRootCertificate) error {
	return e.send(EpochRootQcRecv{Cert: cert, Sender: from})
}

// AddLeaf records a validated leaf so QCs formed over it can advance the
// epoch. It does not go through the event loop.
func (e *Engine) AddLeaf(leaf *types.Leaf) (types.Commitment, error) {
	if err := leaf.ValidateBasic(); err != nil {
		return types.Commitment{}, err
	}
	return e.cons.SaveLeaf(leaf), nil
}

// GetState returns the current view and epoch.
func (e *Engine) GetState() (types.View, types.Epoch, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.started {
		return 0, 0, ErrNotStarted
	}
	view, epoch := e.state.GetState()
	return view, epoch, nil
}

// Consensus returns the consensus snapshot.
func (e *Engine) Consensus() *Consensus { return e.cons }

// Evidence returns the equivocation pool.
func (e *Engine) Evidence() *evidence.Pool { return e.evidence }

// Verifier returns the certificate verifier backed by the engine's
// membership.
func (e *Engine) Verifier() *quorum.StakeTableQuorum { return e.verifier }

// highQCMessage is the payload of HighQC and ExtendedQC messages.
type highQCMessage struct {
	Sender types.PublicKey        `cbor:"1,keyasint"`
	Pair   *types.CertificatePair `cbor:"2,keyasint"`
}

// epochRootQCMessage is the payload of EpochRootQC messages.
type epochRootQCMessage struct {
	Sender types.PublicKey             `cbor:"1,keyasint"`
	Cert   *types.EpochRootCertificate `cbor:"2,keyasint"`
}

// HandleConsensusMessage handles a consensus message from the network.
// Messages are a single type byte followed by a CBOR payload.
func (e *Engine) HandleConsensusMessage(peerID string, data []byte) error {
	if len(data) < 2 {
		return ErrInvalidMessage
	}

	msgType := ConsensusMessageType(data[0])
	payload := data[1:]
	decode := func(v any) error {
		if err := types.Decode(payload, v); err != nil {
			return fmt.Errorf("%w: failed to decode message %d from %s: %v", ErrInvalidMessage, msgType, peerID, err)
		}
		return nil
	}

	switch msgType {
	case ConsensusMessageTypeVote:
		vote := &types.Vote{}
		if err := decode(vote); err != nil {
			return err
		}
		return e.AddVote(vote)

	case ConsensusMessageTypeEpochRootVote:
		vote := &EpochRootVote{}
		if err := decode(vote); err != nil {
			return err
		}
		return e.AddEpochRootVote(vote)

	case ConsensusMessageTypeHighQC, ConsensusMessageTypeExtendedQC:
		msg := &highQCMessage{}
		if err := decode(msg); err != nil {
			return err
		}
		if msgType == ConsensusMessageTypeHighQC {
			return e.AddHighQC(msg.Sender, msg.Pair)
		}
		return e.AddExtendedQC(msg.Sender, msg.Pair)

	case ConsensusMessageTypeEpochRootQC:
		msg := &epochRootQCMessage{}
		if err := decode(msg); err != nil {
			return err
		}
		return e.AddEpochRootQC(msg.Sender, msg.Cert)

	case ConsensusMessageTypeLeaf:
		leaf := &types.Leaf{}
		if err := decode(leaf); err != nil {
			return err
		}
		_, err := e.AddLeaf(leaf)
		return err

	default:
		return fmt.Errorf("%w: %d", ErrUnknownMessageType, msgType)
	}
}

// EncodeMessage encodes v with its type prefix for network transmission.
func EncodeMessage(msgType ConsensusMessageType, v any) ([]byte, error) {
	payload, err := types.CanonicalEncode(v)
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 1+len(payload))
	msg[0] = byte(msgType)
	copy(msg[1:], payload)
	return msg, nil
}

// EncodeVoteMessage encodes a quorum or timeout vote.
func EncodeVoteMessage(vote *types.Vote) ([]byte, error) {
	return EncodeMessage(ConsensusMessageTypeVote, vote)
}

// EncodeEpochRootVoteMessage encodes an epoch root vote.
func EncodeEpochRootVoteMessage(vote *EpochRootVote) ([]byte, error) {
	return EncodeMessage(ConsensusMessageTypeEpochRootVote, vote)
}

// EncodeHighQCMessage encodes a high QC sent by sender.
func EncodeHighQCMessage(sender types.PublicKey, pair *types.CertificatePair) ([]byte, error) {
	return EncodeMessage(ConsensusMessageTypeHighQC, &highQCMessage{Sender: sender, Pair: pair})
}

// EncodeExtendedQCMessage encodes the QC pair for the last block of an
// epoch.
func EncodeExtendedQCMessage(sender types.PublicKey, pair *types.CertificatePair) ([]byte, error) {
	return EncodeMessage(ConsensusMessageTypeExtendedQC, &highQCMessage{Sender: sender, Pair: pair})
}

// EncodeEpochRootQCMessage encodes an epoch root QC and its state
// certificate.
func EncodeEpochRootQCMessage(sender types.PublicKey, cert *types.EpochRootCertificate) ([]byte, error) {
	return EncodeMessage(ConsensusMessageTypeEpochRootQC, &epochRootQCMessage{Sender: sender, Cert: cert})
}

// EncodeLeafMessage encodes a leaf.
func EncodeLeafMessage(leaf *types.Leaf) ([]byte, error) {
	return EncodeMessage(ConsensusMessageTypeLeaf, leaf)
}
