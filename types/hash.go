package types

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/sha3"
)

// CommitmentSize is the size of a commitment in bytes
const CommitmentSize = 32

// Commitment is a keccak-256 digest binding a value's canonical encoding.
type Commitment [CommitmentSize]byte

// encMode produces the canonical encoding that every commitment preimage
// goes through. Map keys are sorted and integers use the shortest form, so
// equal values always hash equally.
var encMode cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: cannot build canonical encoder: %v", err))
	}
	encMode = em
}

// NewCommitment creates a Commitment from bytes, returning error if invalid.
func NewCommitment(data []byte) (Commitment, error) {
	var c Commitment
	if len(data) != CommitmentSize {
		return c, fmt.Errorf("commitment must be %d bytes, got %d", CommitmentSize, len(data))
	}
	copy(c[:], data)
	return c, nil
}

// HashBytes computes the keccak-256 commitment of raw bytes.
func HashBytes(data []byte) Commitment {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	var c Commitment
	h.Sum(c[:0])
	return c
}

// CanonicalEncode returns the deterministic CBOR encoding of v.
func CanonicalEncode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Decode parses a CBOR encoding produced by CanonicalEncode.
func Decode(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// commit hashes the canonical encoding of v. Every value passed here is a
// plain struct of fixed-size fields, so encoding cannot fail.
func commit(v any) Commitment {
	data, err := encMode.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to encode commitment preimage: %v", err))
	}
	return HashBytes(data)
}

// IsZero returns true if every byte is zero.
func (c Commitment) IsZero() bool {
	return c == Commitment{}
}

// Bytes returns a copy of the commitment bytes.
func (c Commitment) Bytes() []byte {
	out := make([]byte, CommitmentSize)
	copy(out, c[:])
	return out
}

// String returns the hex encoding truncated for logs.
func (c Commitment) String() string {
	return hex.EncodeToString(c[:8])
}

// Hex returns the full hex encoding.
func (c Commitment) Hex() string {
	return hex.EncodeToString(c[:])
}
