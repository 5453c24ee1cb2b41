package evidence

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/blockberries/quorumberry/types"
)

// Errors
var (
	ErrInvalidEvidence   = errors.New("invalid evidence")
	ErrDuplicateEvidence = errors.New("duplicate evidence")
	ErrEvidenceExpired   = errors.New("evidence expired")
	ErrDifferentView     = errors.New("votes have different views")
	ErrDifferentKind     = errors.New("votes have different kinds")
	ErrDifferentSigner   = errors.New("votes from different signers")
	ErrSameData          = errors.New("votes for the same data are not equivocation")
	ErrUnknownSigner     = errors.New("signer not in stake table")
)

// MaxSeenVotes limits memory used for equivocation detection.
const MaxSeenVotes = 100000

// Config holds evidence pool configuration
type Config struct {
	// MaxAgeViews is how many views behind the current one evidence stays
	// admissible.
	MaxAgeViews uint64
	// MaxPending bounds the number of pending equivocations.
	MaxPending int
}

// DefaultConfig returns default evidence pool configuration
func DefaultConfig() Config {
	return Config{
		MaxAgeViews: 100000,
		MaxPending:  1000,
	}
}

// Equivocation is proof that one signer voted for two different
// statements of the same kind in the same view.
type Equivocation struct {
	VoteA *types.Vote `cbor:"1,keyasint"`
	VoteB *types.Vote `cbor:"2,keyasint"`
}

// View returns the view both votes were cast in.
func (e *Equivocation) View() types.View { return e.VoteA.View }

// Signer returns the key that equivocated.
func (e *Equivocation) Signer() types.PublicKey { return e.VoteA.Signer }

// Commit identifies the equivocation independent of vote order.
func (e *Equivocation) Commit() types.Commitment {
	a, b := e.VoteA.DataCommit(), e.VoteB.DataCommit()
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	data, err := types.CanonicalEncode(struct {
		Signer []byte           `cbor:"1,keyasint"`
		View   types.View       `cbor:"2,keyasint"`
		Kind   types.CertKind   `cbor:"3,keyasint"`
		A      types.Commitment `cbor:"4,keyasint"`
		B      types.Commitment `cbor:"5,keyasint"`
	}{e.VoteA.Signer.Bytes(), e.VoteA.View, e.VoteA.Kind, a, b})
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to encode equivocation: %v", err))
	}
	return types.HashBytes(data)
}

type seenKey struct {
	signer string
	view   types.View
	kind   types.CertKind
}

// Pool collects equivocations until they are committed.
type Pool struct {
	mu     sync.RWMutex
	config Config
	logger *zap.Logger

	pending   []*Equivocation
	committed map[types.Commitment]struct{}

	// First vote seen per signer, view and kind.
	seenVotes map[seenKey]*types.Vote

	currentView types.View
}

// NewPool creates a new evidence pool. A nil logger discards output.
func NewPool(config Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		config:    config,
		logger:    logger,
		committed: make(map[types.Commitment]struct{}),
		seenVotes: make(map[seenKey]*types.Vote),
	}
}

// Update advances the pool's view and prunes what fell out of the window.
func (p *Pool) Update(view types.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if view <= p.currentView {
		return
	}
	p.currentView = view
	p.pruneExpired()
}

// CheckVote records vote and returns an equivocation if the same signer
// already voted for different data at the same view and kind. The vote is
// assumed to carry a verified signature.
func (p *Pool) CheckVote(vote *types.Vote) *Equivocation {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := seenKey{signer: string(vote.Signer.Bytes()), view: vote.View, kind: vote.Kind}
	if existing, ok := p.seenVotes[key]; ok {
		if existing.DataCommit() == vote.DataCommit() {
			return nil
		}
		p.logger.Warn("equivocation detected",
			zap.Stringer("signer", vote.Signer),
			zap.Stringer("view", vote.View),
			zap.Stringer("kind", vote.Kind))
		return &Equivocation{VoteA: existing.Copy(), VoteB: vote.Copy()}
	}

	if p.expired(vote.View) {
		return nil
	}
	if len(p.seenVotes) >= MaxSeenVotes {
		p.pruneOldestVotes(MaxSeenVotes / 10)
	}
	p.seenVotes[key] = vote.Copy()
	return nil
}

// AddEquivocation adds evidence to the pending set. The evidence must
// already be verified.
func (p *Pool) AddEquivocation(ev *Equivocation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := ev.Commit()
	if _, ok := p.committed[key]; ok {
		return ErrDuplicateEvidence
	}
	for _, pending := range p.pending {
		if pending.Commit() == key {
			return ErrDuplicateEvidence
		}
	}
	if p.expired(ev.View()) {
		return ErrEvidenceExpired
	}
	if p.config.MaxPending > 0 && len(p.pending) >= p.config.MaxPending {
		p.pending = p.pending[1:]
	}
	p.pending = append(p.pending, ev)
	return nil
}

// Pending returns up to max pending equivocations, oldest first. A
// non-positive max returns all of them.
func (p *Pool) Pending(max int) []*Equivocation {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := len(p.pending)
	if max > 0 && max < n {
		n = max
	}
	return slices.Clone(p.pending[:n])
}

// MarkCommitted drops evs from the pending set and refuses them from now
// on.
func (p *Pool) MarkCommitted(evs []*Equivocation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ev := range evs {
		p.committed[ev.Commit()] = struct{}{}
	}
	p.pending = slices.DeleteFunc(p.pending, func(ev *Equivocation) bool {
		_, ok := p.committed[ev.Commit()]
		return ok
	})
}

// Size returns the number of pending equivocations.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

// VerifyEquivocation checks that ev is well formed and that both votes
// carry valid signatures by a member of st at version.
func VerifyEquivocation(ev *Equivocation, st *types.StakeTable, version types.Version) error {
	if ev == nil || ev.VoteA == nil || ev.VoteB == nil {
		return ErrInvalidEvidence
	}
	a, b := ev.VoteA, ev.VoteB
	if a.View != b.View {
		return ErrDifferentView
	}
	if a.Kind != b.Kind {
		return ErrDifferentKind
	}
	if !a.Signer.Equal(b.Signer) {
		return ErrDifferentSigner
	}
	if a.DataCommit() == b.DataCommit() {
		return ErrSameData
	}
	if !st.HasStake(a.Signer) {
		return ErrUnknownSigner
	}
	if err := a.VerifySignature(version); err != nil {
		return fmt.Errorf("invalid signature on vote A: %w", err)
	}
	if err := b.VerifySignature(version); err != nil {
		return fmt.Errorf("invalid signature on vote B: %w", err)
	}
	return nil
}

func (p *Pool) expired(view types.View) bool {
	return p.currentView > view && uint64(p.currentView-view) > p.config.MaxAgeViews
}

// Caller must hold p.mu.
func (p *Pool) pruneExpired() {
	p.pending = slices.DeleteFunc(p.pending, func(ev *Equivocation) bool {
		return p.expired(ev.View())
	})
	for key := range p.seenVotes {
		if p.expired(key.view) {
			delete(p.seenVotes, key)
		}
	}
}

// pruneOldestVotes removes at least n votes, lowest views first.
// Caller must hold p.mu.
func (p *Pool) pruneOldestVotes(n int) {
	if n <= 0 || len(p.seenVotes) == 0 {
		return
	}

	byView := make(map[types.View][]seenKey)
	for key := range p.seenVotes {
		byView[key.view] = append(byView[key.view], key)
	}
	views := make([]types.View, 0, len(byView))
	for v := range byView {
		views = append(views, v)
	}
	slices.Sort(views)

	removed := 0
	for _, v := range views {
		if removed >= n {
			break
		}
		for _, key := range byView[v] {
			delete(p.seenVotes, key)
			removed++
		}
	}
}
