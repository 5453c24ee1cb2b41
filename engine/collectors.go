package engine

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/blockberries/quorumberry/types"
)

type collector[A any] struct {
	view  types.View
	epoch types.Epoch
	acc   A
}

func lessCollector[A any](a, b collector[A]) bool {
	if a.view != b.view {
		return a.view < b.view
	}
	return a.epoch < b.epoch
}

// VoteCollectorsMap owns the live accumulators of one vote kind, ordered
// by view and epoch. Accumulators are created on first use and dropped by
// GC or when more than the retention bound are alive.
type VoteCollectorsMap[A any] struct {
	mu     sync.Mutex
	tree   *btree.BTreeG[collector[A]]
	newAcc func(types.View, types.Epoch) A
	floor  types.View
	retain int
	logger *zap.Logger
}

// NewVoteCollectorsMap creates a map that builds accumulators with newAcc
// and keeps at most retain of them.
func NewVoteCollectorsMap[A any](retain int, newAcc func(types.View, types.Epoch) A, logger *zap.Logger) *VoteCollectorsMap[A] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VoteCollectorsMap[A]{
		tree:   btree.NewG[collector[A]](8, lessCollector[A]),
		newAcc: newAcc,
		retain: retain,
		logger: logger,
	}
}

// Collector returns the accumulator for view and epoch, creating it if
// needed. Views below the GC floor return ErrStaleView.
func (m *VoteCollectorsMap[A]) Collector(view types.View, epoch types.Epoch) (A, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero A
	if view < m.floor {
		return zero, fmt.Errorf("%w: %s below %s", ErrStaleView, view, m.floor)
	}
	key := collector[A]{view: view, epoch: epoch}
	if c, ok := m.tree.Get(key); ok {
		return c.acc, nil
	}

	key.acc = m.newAcc(view, epoch)
	m.tree.ReplaceOrInsert(key)
	for m.retain > 0 && m.tree.Len() > m.retain {
		evicted, _ := m.tree.DeleteMin()
		m.logger.Debug("evicted vote collector",
			zap.Stringer("view", evicted.view),
			zap.Stringer("epoch", evicted.epoch))
		if evicted.view == view && evicted.epoch == epoch {
			return zero, fmt.Errorf("%w: %s is older than every live collector", ErrStaleView, view)
		}
	}
	return key.acc, nil
}

// GC drops every collector below floor and refuses those views from now
// on. The floor never moves backwards. It returns the number dropped.
func (m *VoteCollectorsMap[A]) GC(floor types.View) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if floor <= m.floor {
		return 0
	}
	m.floor = floor

	var stale []collector[A]
	m.tree.AscendLessThan(collector[A]{view: floor}, func(c collector[A]) bool {
		stale = append(stale, c)
		return true
	})
	for _, c := range stale {
		m.tree.Delete(c)
	}
	return len(stale)
}

// Floor returns the lowest view still accepted.
func (m *VoteCollectorsMap[A]) Floor() types.View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.floor
}

// Len returns the number of live collectors.
func (m *VoteCollectorsMap[A]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Len()
}
