package types

import (
	"fmt"
)

// View identifies a protocol round. Views are totally ordered and only
// move forward on a correct node.
type View uint64

// Next returns the following view.
func (v View) Next() View { return v + 1 }

// String implements fmt.Stringer.
func (v View) String() string { return fmt.Sprintf("view %d", uint64(v)) }

// Epoch identifies a stake table generation.
type Epoch uint64

// Next returns the following epoch.
func (e Epoch) Next() Epoch { return e + 1 }

// String implements fmt.Stringer.
func (e Epoch) String() string { return fmt.Sprintf("epoch %d", uint64(e)) }

// Version is a protocol version. Versions compare major first, then minor.
type Version struct {
	Major uint16 `cbor:"1,keyasint" cramberry:"1"`
	Minor uint16 `cbor:"2,keyasint" cramberry:"2"`
}

// Known protocol versions
var (
	BaseVersion        = Version{Major: 0, Minor: 1}
	UpgradeVersion     = Version{Major: 0, Minor: 2}
	MarketplaceVersion = Version{Major: 0, Minor: 3}

	// EpochVersion introduced stake table rotation and the two-chain
	// (HotStuff2) commit rule. Below it the three-chain rule applies.
	EpochVersion = Version{Major: 0, Minor: 4}

	// MaxSupportedVersion is the newest version this software can verify.
	MaxSupportedVersion = EpochVersion
)

// Compare returns -1, 0 or +1 depending on whether v is older than, equal
// to, or newer than o.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major < o.Major:
		return -1
	case v.Major > o.Major:
		return 1
	case v.Minor < o.Minor:
		return -1
	case v.Minor > o.Minor:
		return 1
	default:
		return 0
	}
}

// Less reports whether v is strictly older than o.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

// AtLeast reports whether v is o or newer.
func (v Version) AtLeast(o Version) bool { return v.Compare(o) >= 0 }

// String implements fmt.Stringer.
func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// IsSupported reports whether v is known to this software.
func (v Version) IsSupported() bool {
	return v.AtLeast(BaseVersion) && !MaxSupportedVersion.Less(v)
}

// Epoch boundary arithmetic. An epoch is epochHeight consecutive blocks;
// block numbers start at 1 for epoch 1. An epoch height of zero disables
// epochs and everything maps to epoch 0.

// EpochFromBlockNumber returns the epoch that contains block number bn.
func EpochFromBlockNumber(bn, epochHeight uint64) Epoch {
	switch {
	case epochHeight == 0:
		return 0
	case bn == 0:
		return 1
	case bn%epochHeight == 0:
		return Epoch(bn / epochHeight)
	default:
		return Epoch(bn/epochHeight + 1)
	}
}

// IsLastBlock reports whether bn is the final block of its epoch.
func IsLastBlock(bn, epochHeight uint64) bool {
	if bn == 0 || epochHeight == 0 {
		return false
	}
	return bn%epochHeight == 0
}

// IsEpochTransition reports whether bn falls between the transition block
// and the last block of its epoch, where the next epoch's quorum must co-sign.
func IsEpochTransition(bn, epochHeight uint64) bool {
	if bn == 0 || epochHeight == 0 {
		return false
	}
	rem := bn % epochHeight
	return rem == 0 || rem+3 >= epochHeight
}

// IsTransitionBlock reports whether bn is the first block of the epoch
// transition window.
func IsTransitionBlock(bn, epochHeight uint64) bool {
	if bn == 0 || epochHeight == 0 {
		return false
	}
	return (bn+3)%epochHeight == 0
}

// IsEpochRoot reports whether bn is the block whose state seeds the stake
// table two epochs ahead.
func IsEpochRoot(bn, epochHeight uint64) bool {
	if bn == 0 || epochHeight == 0 {
		return false
	}
	return (bn+5)%epochHeight == 0
}

// RootBlockInEpoch returns the epoch root block number of epoch e.
func RootBlockInEpoch(e Epoch, epochHeight uint64) uint64 {
	if e == 0 || epochHeight < 5 {
		return 0
	}
	return epochHeight*uint64(e) - 5
}

// TransitionBlockForEpoch returns the transition block number of epoch e.
func TransitionBlockForEpoch(e Epoch, epochHeight uint64) uint64 {
	if e == 0 || epochHeight < 3 {
		return 0
	}
	return epochHeight*uint64(e) - 3
}
