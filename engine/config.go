package engine

import (
	"fmt"
	"time"

	"github.com/blockberries/quorumberry/evidence"
	"github.com/blockberries/quorumberry/membership"
	"github.com/blockberries/quorumberry/types"
)

// Config holds configuration for the consensus engine
type Config struct {
	// EpochHeight is the number of blocks per epoch. Zero disables epochs.
	EpochHeight uint64

	// Version is the protocol version before any upgrade is decided.
	Version types.Version

	// ViewTimeout is how long a view may go without progress before this
	// node votes to time it out.
	ViewTimeout time.Duration

	// RetainViews bounds the number of live vote collectors per kind.
	RetainViews int

	// EventBufferSize is the capacity of the event channel.
	EventBufferSize int

	// StoragePath is the directory of the consensus store. Empty keeps
	// the store in memory.
	StoragePath string

	Membership membership.CoordinatorConfig
	Evidence   evidence.Config
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		EpochHeight:     3000,
		Version:         types.EpochVersion,
		ViewTimeout:     10 * time.Second,
		RetainViews:     64,
		EventBufferSize: 1024,
		StoragePath:     "data/consensus",
		Membership:      membership.DefaultCoordinatorConfig(),
		Evidence:        evidence.DefaultConfig(),
	}
}

// ValidateBasic performs basic validation of the config
func (cfg *Config) ValidateBasic() error {
	if !cfg.Version.IsSupported() {
		return fmt.Errorf("%w: unsupported version %s", ErrInvalidConfig, cfg.Version)
	}
	if cfg.EpochHeight != 0 && cfg.EpochHeight < 6 {
		return fmt.Errorf("%w: epoch height %d leaves no room for the epoch root", ErrInvalidConfig, cfg.EpochHeight)
	}
	if cfg.ViewTimeout <= 0 {
		return fmt.Errorf("%w: ViewTimeout must be positive", ErrInvalidConfig)
	}
	if cfg.RetainViews <= 0 {
		return fmt.Errorf("%w: RetainViews must be positive", ErrInvalidConfig)
	}
	if cfg.EventBufferSize <= 0 {
		return fmt.Errorf("%w: EventBufferSize must be positive", ErrInvalidConfig)
	}
	if err := cfg.Membership.ValidateBasic(); err != nil {
		return fmt.Errorf("%w: membership: %v", ErrInvalidConfig, err)
	}
	return nil
}
