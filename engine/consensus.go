package engine

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/blockberries/quorumberry/storage"
	"github.com/blockberries/quorumberry/types"
)

// Consensus is the consensus snapshot shared between the event loop and
// readers such as proposal and vote tasks. Updates take the write lock
// only to apply the change in memory; the write-through to the store
// happens after it is released.
type Consensus struct {
	mu sync.RWMutex

	store       storage.Store
	epochHeight uint64
	baseVersion types.Version
	upgrade     *types.UpgradeData

	highQC          *types.Certificate
	nextEpochHighQC *types.Certificate
	transitionQC    *types.CertificatePair
	stateCert       *types.LightClientStateCert
	view            types.View
	epoch           types.Epoch

	// Saved leaves are indexed by commitment and ordered by view for GC.
	leafIndex    map[types.Commitment]*types.Leaf
	leavesByView *btree.BTreeG[leafKey]
}

type leafKey struct {
	view   types.View
	commit types.Commitment
}

func leafKeyLess(a, b leafKey) bool {
	if a.view != b.view {
		return a.view < b.view
	}
	return bytes.Compare(a.commit[:], b.commit[:]) < 0
}

// NewConsensus restores the snapshot from store. A store that was never
// written starts from the genesis QC at view 0.
func NewConsensus(store storage.Store, epochHeight uint64, baseVersion types.Version) (*Consensus, error) {
	st, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load consensus state: %w", err)
	}
	c := &Consensus{
		store:           store,
		epochHeight:     epochHeight,
		baseVersion:     baseVersion,
		highQC:          st.HighQC,
		nextEpochHighQC: st.NextEpochHighQC,
		transitionQC:    st.TransitionQC,
		stateCert:       st.StateCert,
		view:            st.View,
		epoch:           st.Epoch,
		leafIndex:       make(map[types.Commitment]*types.Leaf),
		leavesByView:    btree.NewG(16, leafKeyLess),
	}
	if c.highQC == nil {
		c.highQC = types.GenesisQC()
	}
	return c, nil
}

// EpochHeight returns the number of blocks per epoch.
func (c *Consensus) EpochHeight() uint64 { return c.epochHeight }

// HighQC returns the highest QC known.
func (c *Consensus) HighQC() *types.Certificate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.highQC
}

// NextEpochHighQC returns the highest next epoch QC known, or nil.
func (c *Consensus) NextEpochHighQC() *types.Certificate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nextEpochHighQC
}

// TransitionQC returns the latest QC pair for a block inside an epoch
// transition, or nil.
func (c *Consensus) TransitionQC() *types.CertificatePair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transitionQC
}

// StateCert returns the latest light client state certificate, or nil.
func (c *Consensus) StateCert() *types.LightClientStateCert {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stateCert
}

// View returns the current view.
func (c *Consensus) View() types.View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view
}

// Epoch returns the current epoch.
func (c *Consensus) Epoch() types.Epoch {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// HighQCInTransition reports whether the high QC certifies a block in the
// transition window at the end of an epoch.
func (c *Consensus) HighQCInTransition() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bn, ok := c.highQC.BlockNumber()
	return ok && types.IsEpochTransition(bn, c.epochHeight)
}

// VersionAt returns the protocol version in force at view.
func (c *Consensus) VersionAt(view types.View) types.Version {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.upgrade != nil && view >= c.upgrade.NewVersionFirstView {
		return c.upgrade.NewVersion
	}
	return c.baseVersion
}

// DecideUpgrade records the upgrade of a decided leaf whose upgrade
// certificate the caller has verified. Only the first upgrade away from
// the base version to a newer supported version is kept.
func (c *Consensus) DecideUpgrade(u *types.UpgradeData) bool {
	if u == nil || !u.OldVersion.Less(u.NewVersion) || !u.NewVersion.IsSupported() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.upgrade != nil || u.OldVersion != c.baseVersion {
		return false
	}
	up := *u
	c.upgrade = &up
	return true
}

// UpdateHighQC replaces the high QC with qc when qc's view is higher. It
// reports whether the QC changed. Re-applying the current QC is a no-op;
// a lower view is ErrRegression.
func (c *Consensus) UpdateHighQC(qc *types.Certificate) (bool, error) {
	return update(c, &c.highQC, qc, storage.CheckHighQC, c.store.UpdateHighQC)
}

// UpdateNextEpochHighQC is UpdateHighQC for the next epoch high QC.
func (c *Consensus) UpdateNextEpochHighQC(qc *types.Certificate) (bool, error) {
	return update(c, &c.nextEpochHighQC, qc, storage.CheckHighQC, c.store.UpdateNextEpochHighQC)
}

// UpdateTransitionQC records a QC pair for a block inside an epoch
// transition. Both QCs must certify the same leaf.
func (c *Consensus) UpdateTransitionQC(pair *types.CertificatePair) (bool, error) {
	return update(c, &c.transitionQC, pair, storage.CheckTransitionQC, c.store.UpdateTransitionQC)
}

// UpdateStateCert records a light client state certificate for a higher
// epoch.
func (c *Consensus) UpdateStateCert(cert *types.LightClientStateCert) (bool, error) {
	return update(c, &c.stateCert, cert, storage.CheckStateCert, c.store.UpdateStateCert)
}

// UpdateView advances the current view. The same view is a no-op and a
// lower one is ErrRegression.
func (c *Consensus) UpdateView(view types.View) (bool, error) {
	return update(c, &c.view, view, checkCounter[types.View]("view"), c.store.UpdateView)
}

// UpdateEpoch advances the current epoch with the same rules as
// UpdateView.
func (c *Consensus) UpdateEpoch(epoch types.Epoch) (bool, error) {
	return update(c, &c.epoch, epoch, checkCounter[types.Epoch]("epoch"), c.store.UpdateEpoch)
}

// update applies next to field under the write lock when check allows it,
// then writes it through to the store. A failed write restores the
// previous value, so memory never runs ahead of disk.
func update[T comparable](
	c *Consensus,
	field *T,
	next T,
	check func(stored, next T) (bool, error),
	write func(T) error,
) (bool, error) {
	c.mu.Lock()
	prev := *field
	ok, err := check(prev, next)
	if ok {
		*field = next
	}
	c.mu.Unlock()
	if !ok {
		return false, err
	}
	if err := write(next); err != nil {
		c.mu.Lock()
		if *field == next {
			*field = prev
		}
		c.mu.Unlock()
		return false, err
	}
	return true, nil
}

func checkCounter[T ~uint64](what string) func(cur, next T) (bool, error) {
	return func(cur, next T) (bool, error) {
		switch {
		case next == cur:
			return false, nil
		case next < cur:
			return false, fmt.Errorf("%w: %s %d is below %d", ErrRegression, what, next, cur)
		}
		return true, nil
	}
}

// SaveLeaf stores leaf so later events can find it by commitment. Saving
// a leaf does not make it canonical; its upgrade certificate is only
// applied once the leaf is decided.
func (c *Consensus) SaveLeaf(leaf *types.Leaf) types.Commitment {
	commit := leaf.Commit()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.leafIndex[commit]; ok {
		return commit
	}
	c.leafIndex[commit] = leaf
	c.leavesByView.ReplaceOrInsert(leafKey{view: leaf.View, commit: commit})
	return commit
}

// Leaf returns the saved leaf with commitment commit.
func (c *Consensus) Leaf(commit types.Commitment) (*types.Leaf, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	leaf, ok := c.leafIndex[commit]
	return leaf, ok
}

// GCLeaves drops saved leaves below view and returns how many were
// dropped. Only the dropped leaves are visited.
func (c *Consensus) GCLeaves(view types.View) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for {
		oldest, ok := c.leavesByView.Min()
		if !ok || oldest.view >= view {
			return dropped
		}
		c.leavesByView.DeleteMin()
		delete(c.leafIndex, oldest.commit)
		dropped++
	}
}
