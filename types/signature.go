package types

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/bls"
)

// Keys live in G1 and signatures in G2, so aggregate public keys stay
// small and signature shares aggregate by point addition.
type keyGroup = bls.KeyG1SigG2

// PublicKeySize is the size of a compressed G1 public key
const PublicKeySize = 48

// Signature is a BLS signature or an aggregate of signatures over the same
// message.
type Signature []byte

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrNoSignatures     = errors.New("no signatures to aggregate")
)

// PublicKey is a BLS12-381 public key. The zero value is not usable.
type PublicKey struct {
	key *bls.PublicKey[keyGroup]
	raw []byte
}

// NewPublicKey parses a compressed public key. Use for untrusted input.
func NewPublicKey(data []byte) (PublicKey, error) {
	k := new(bls.PublicKey[keyGroup])
	if err := k.UnmarshalBinary(data); err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if !k.Validate() {
		return PublicKey{}, ErrInvalidPublicKey
	}
	raw := make([]byte, len(data))
	copy(raw, data)
	return PublicKey{key: k, raw: raw}, nil
}

// PublicKeyFromBLS wraps a key produced by the signing library.
func PublicKeyFromBLS(k *bls.PublicKey[keyGroup]) (PublicKey, error) {
	raw, err := k.MarshalBinary()
	if err != nil {
		return PublicKey{}, err
	}
	return PublicKey{key: k, raw: raw}, nil
}

// Bytes returns a copy of the compressed key.
func (pk PublicKey) Bytes() []byte {
	out := make([]byte, len(pk.raw))
	copy(out, pk.raw)
	return out
}

// IsZero reports whether the key is unset.
func (pk PublicKey) IsZero() bool { return pk.key == nil }

// Equal compares two public keys by encoding.
func (pk PublicKey) Equal(o PublicKey) bool {
	return bytes.Equal(pk.raw, o.raw)
}

// String returns a short hex prefix for logs.
func (pk PublicKey) String() string {
	if len(pk.raw) < 6 {
		return hex.EncodeToString(pk.raw)
	}
	return hex.EncodeToString(pk.raw[:6])
}

// key returns the map key used for lookups.
func (pk PublicKey) mapKey() string { return string(pk.raw) }

// MarshalBinary lets PublicKey travel inside CBOR structures.
func (pk PublicKey) MarshalBinary() ([]byte, error) {
	return pk.Bytes(), nil
}

// UnmarshalBinary parses and validates the key.
func (pk *PublicKey) UnmarshalBinary(data []byte) error {
	parsed, err := NewPublicKey(data)
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// Verify checks a single signature share over msg.
func (pk PublicKey) Verify(msg []byte, sig Signature) bool {
	if pk.key == nil || len(sig) == 0 {
		return false
	}
	return bls.Verify(pk.key, msg, sig)
}

// AggregateSignatures combines signature shares over the same message.
func AggregateSignatures(sigs []Signature) (Signature, error) {
	if len(sigs) == 0 {
		return nil, ErrNoSignatures
	}
	raw := make([]bls.Signature, len(sigs))
	for i, s := range sigs {
		raw[i] = s
	}
	agg, err := bls.Aggregate(keyGroup{}, raw)
	if err != nil {
		return nil, err
	}
	return agg, nil
}

// VerifyAggregate checks that agg is the aggregate of signatures by every
// key in pks over the same msg.
func VerifyAggregate(pks []PublicKey, msg []byte, agg Signature) bool {
	if len(pks) == 0 || len(agg) == 0 {
		return false
	}
	keys := make([]*bls.PublicKey[keyGroup], len(pks))
	msgs := make([][]byte, len(pks))
	for i, pk := range pks {
		if pk.key == nil {
			return false
		}
		keys[i] = pk.key
		msgs[i] = msg
	}
	return bls.VerifyAggregate(keys, msgs, agg)
}
