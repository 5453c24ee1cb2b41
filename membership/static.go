package membership

import (
	"context"
	"fmt"
	"sync"

	"github.com/blockberries/quorumberry/types"
)

// Static is a Fetcher over stake tables registered in memory. Epochs that
// were never set are unavailable, which lets tests and devnets exercise
// the retry path.
type Static struct {
	mu     sync.RWMutex
	tables map[types.Epoch]*types.StakeTable
	da     map[types.Epoch]*types.StakeTable

	// fetches counts Fetch calls, for tests of caching
	fetches int
}

var _ Fetcher = (*Static)(nil)

// NewStatic creates an empty static fetcher.
func NewStatic() *Static {
	return &Static{
		tables: make(map[types.Epoch]*types.StakeTable),
		da:     make(map[types.Epoch]*types.StakeTable),
	}
}

// Set registers the tables of epoch. A nil da uses table.
func (s *Static) Set(epoch types.Epoch, table, da *types.StakeTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[epoch] = table
	if da != nil {
		s.da[epoch] = da
	}
}

// Fetch implements Fetcher.
func (s *Static) Fetch(_ context.Context, epoch types.Epoch) (*types.StakeTable, *types.StakeTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	table, ok := s.tables[epoch]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrEpochUnavailable, epoch)
	}
	return table, s.da[epoch], nil
}

// Fetches returns the number of Fetch calls so far.
func (s *Static) Fetches() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetches
}
