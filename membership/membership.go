package membership

import (
	"context"
	"errors"

	"github.com/holiman/uint256"

	"github.com/blockberries/quorumberry/types"
)

// Errors
var (
	ErrEpochUnavailable = errors.New("stake table for epoch not available")
	ErrNoStakeTable     = errors.New("membership has no stake table")
)

// Fetcher resolves the stake tables of an epoch from wherever they live:
// storage, the settlement contract, or a peer. It returns
// ErrEpochUnavailable when the epoch is not resolvable yet. A nil DA table
// means the DA committee is the full stake table.
type Fetcher interface {
	Fetch(ctx context.Context, epoch types.Epoch) (table, da *types.StakeTable, err error)
}

// Provider hands out per-epoch memberships. Coordinator implements it.
type Provider interface {
	Membership(ctx context.Context, epoch types.Epoch) (*EpochMembership, error)
}

// EpochMembership is the read-only membership of one epoch.
type EpochMembership struct {
	epoch types.Epoch
	table *types.StakeTable
	da    *types.StakeTable
}

// NewEpochMembership builds a membership. A nil da uses table.
func NewEpochMembership(epoch types.Epoch, table, da *types.StakeTable) (*EpochMembership, error) {
	if table == nil {
		return nil, ErrNoStakeTable
	}
	if da == nil {
		da = table
	}
	return &EpochMembership{epoch: epoch, table: table, da: da}, nil
}

// Epoch returns the epoch.
func (m *EpochMembership) Epoch() types.Epoch { return m.epoch }

// StakeTable returns the epoch's stake table.
func (m *EpochMembership) StakeTable() *types.StakeTable { return m.table }

// DAStakeTable returns the epoch's data availability committee.
func (m *EpochMembership) DAStakeTable() *types.StakeTable { return m.da }

// SuccessThreshold returns the supermajority stake of the stake table.
func (m *EpochMembership) SuccessThreshold() *uint256.Int { return m.table.SuccessThreshold() }

// DASuccessThreshold returns the supermajority stake of the DA committee.
func (m *EpochMembership) DASuccessThreshold() *uint256.Int { return m.da.SuccessThreshold() }

// OneHonestThreshold returns the stake that guarantees one honest signer.
func (m *EpochMembership) OneHonestThreshold() *uint256.Int { return m.table.OneHonestThreshold() }

// UpgradeThreshold returns the stake needed to certify an upgrade.
func (m *EpochMembership) UpgradeThreshold() *uint256.Int { return m.table.UpgradeThreshold() }

// ForKind returns the table that signs certificates of kind k and the
// stake those certificates need.
func (m *EpochMembership) ForKind(k types.CertKind) (*types.StakeTable, *uint256.Int) {
	switch class := k.Threshold(); class {
	case types.ThresholdDASuccess:
		return m.da, m.da.SuccessThreshold()
	default:
		return m.table, m.table.Threshold(class)
	}
}

// HasStake reports whether pk is a staked signer of the epoch.
func (m *EpochMembership) HasStake(pk types.PublicKey) bool { return m.table.HasStake(pk) }

// Leader returns the leader of view v.
func (m *EpochMembership) Leader(v types.View) types.PublicKey { return m.table.Leader(v) }
