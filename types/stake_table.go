package types

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/holiman/uint256"
)

// MaxStakeTableEntries bounds the size of a stake table. Signer bitmaps are
// indexed by entry position.
const MaxStakeTableEntries = 1 << 16

// maxTotalStake keeps threshold arithmetic (multiplying the total by at
// most 9) far from the 256-bit boundary.
var maxTotalStake = new(uint256.Int).Lsh(uint256.NewInt(1), 192)

// Errors
var (
	ErrEmptyStakeTable    = errors.New("empty stake table")
	ErrDuplicateKey       = errors.New("duplicate key in stake table")
	ErrZeroStake          = errors.New("stake table entry has zero stake")
	ErrTooManyEntries     = errors.New("too many stake table entries")
	ErrTotalStakeOverflow = errors.New("total stake overflow")
	ErrSignerOutOfRange   = errors.New("signer index out of range")
)

// StakeTableEntry is one eligible signer and its weight.
type StakeTableEntry struct {
	PublicKey PublicKey
	Stake     *uint256.Int
}

// StakeTable is the immutable weighted signer set of one epoch. Entry order
// is significant: certificate signer bitmaps index into it.
type StakeTable struct {
	epoch   Epoch
	entries []StakeTableEntry
	byKey   map[string]int
	total   *uint256.Int
}

// NewStakeTable validates and copies entries into a stake table.
func NewStakeTable(epoch Epoch, entries []StakeTableEntry) (*StakeTable, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyStakeTable
	}
	if len(entries) > MaxStakeTableEntries {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooManyEntries, len(entries), MaxStakeTableEntries)
	}

	st := &StakeTable{
		epoch:   epoch,
		entries: make([]StakeTableEntry, len(entries)),
		byKey:   make(map[string]int, len(entries)),
		total:   new(uint256.Int),
	}
	for i, e := range entries {
		if e.PublicKey.IsZero() {
			return nil, fmt.Errorf("%w: entry %d", ErrInvalidPublicKey, i)
		}
		if e.Stake == nil || e.Stake.IsZero() {
			return nil, fmt.Errorf("%w: entry %d", ErrZeroStake, i)
		}
		k := e.PublicKey.mapKey()
		if _, exists := st.byKey[k]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, e.PublicKey)
		}
		if _, overflow := st.total.AddOverflow(st.total, e.Stake); overflow || st.total.Gt(maxTotalStake) {
			return nil, ErrTotalStakeOverflow
		}
		st.entries[i] = StakeTableEntry{PublicKey: e.PublicKey, Stake: e.Stake.Clone()}
		st.byKey[k] = i
	}
	return st, nil
}

// Epoch returns the epoch this table belongs to.
func (st *StakeTable) Epoch() Epoch { return st.epoch }

// Len returns the number of entries.
func (st *StakeTable) Len() int { return len(st.entries) }

// Entry returns a copy of the entry at index i.
func (st *StakeTable) Entry(i int) (StakeTableEntry, bool) {
	if i < 0 || i >= len(st.entries) {
		return StakeTableEntry{}, false
	}
	e := st.entries[i]
	return StakeTableEntry{PublicKey: e.PublicKey, Stake: e.Stake.Clone()}, true
}

// IndexOf returns the position of pk in the table.
func (st *StakeTable) IndexOf(pk PublicKey) (int, bool) {
	i, ok := st.byKey[pk.mapKey()]
	return i, ok
}

// StakeOf returns the stake of pk, zero if pk is not in the table.
func (st *StakeTable) StakeOf(pk PublicKey) *uint256.Int {
	i, ok := st.IndexOf(pk)
	if !ok {
		return new(uint256.Int)
	}
	return st.entries[i].Stake.Clone()
}

// HasStake reports whether pk is in the table with non-zero stake.
func (st *StakeTable) HasStake(pk PublicKey) bool {
	_, ok := st.IndexOf(pk)
	return ok
}

// TotalStake returns the sum of all stake.
func (st *StakeTable) TotalStake() *uint256.Int { return st.total.Clone() }

// SuccessThreshold returns the stake needed for a supermajority,
// 2*total/3 + 1.
func (st *StakeTable) SuccessThreshold() *uint256.Int {
	t := new(uint256.Int).Mul(st.total, uint256.NewInt(2))
	t.Div(t, uint256.NewInt(3))
	return t.AddUint64(t, 1)
}

// OneHonestThreshold returns the stake that must include at least one
// honest signer, total/3 + 1.
func (st *StakeTable) OneHonestThreshold() *uint256.Int {
	t := new(uint256.Int).Div(st.total, uint256.NewInt(3))
	return t.AddUint64(t, 1)
}

// UpgradeThreshold returns the stake needed to approve a protocol upgrade,
// 9*total/10 + 1.
func (st *StakeTable) UpgradeThreshold() *uint256.Int {
	t := new(uint256.Int).Mul(st.total, uint256.NewInt(9))
	t.Div(t, uint256.NewInt(10))
	return t.AddUint64(t, 1)
}

// Threshold returns the stake needed for the given threshold class.
// ThresholdDASuccess is computed like ThresholdSuccess; callers pick the DA
// table for it.
func (st *StakeTable) Threshold(class ThresholdClass) *uint256.Int {
	switch class {
	case ThresholdOneHonest:
		return st.OneHonestThreshold()
	case ThresholdUpgrade:
		return st.UpgradeThreshold()
	default:
		return st.SuccessThreshold()
	}
}

// SignersStake sums the stake of the entries marked in signers and returns
// their public keys in table order.
func (st *StakeTable) SignersStake(signers *bitset.BitSet) (*uint256.Int, []PublicKey, error) {
	sum := new(uint256.Int)
	if signers == nil {
		return sum, nil, nil
	}
	var keys []PublicKey
	for i, ok := signers.NextSet(0); ok; i, ok = signers.NextSet(i + 1) {
		if i >= uint(len(st.entries)) {
			return nil, nil, fmt.Errorf("%w: %d >= %d", ErrSignerOutOfRange, i, len(st.entries))
		}
		e := st.entries[i]
		sum.Add(sum, e.Stake)
		keys = append(keys, e.PublicKey)
	}
	return sum, keys, nil
}

// Leader returns the entry responsible for proposing in view v. Leaders
// rotate round-robin over table order.
func (st *StakeTable) Leader(v View) PublicKey {
	return st.entries[uint64(v)%uint64(len(st.entries))].PublicKey
}

// Commit returns a commitment to the table's keys and stakes in order.
func (st *StakeTable) Commit() Commitment {
	type entry struct {
		Key   []byte `cbor:"1,keyasint"`
		Stake []byte `cbor:"2,keyasint"`
	}
	preimage := struct {
		Epoch   Epoch   `cbor:"1,keyasint"`
		Entries []entry `cbor:"2,keyasint"`
	}{Epoch: st.epoch, Entries: make([]entry, len(st.entries))}
	for i, e := range st.entries {
		b := e.Stake.Bytes32()
		preimage.Entries[i] = entry{Key: e.PublicKey.raw, Stake: b[:]}
	}
	return commit(preimage)
}
