package privval

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/cloudflare/circl/sign/bls"

	"github.com/blockberries/quorumberry/types"
)

// Errors
var (
	ErrDoubleSign     = errors.New("double sign attempt")
	ErrViewRegression = errors.New("view regression")
	ErrInvalidKey     = errors.New("invalid private key")
	ErrShortSeed      = errors.New("key seed must be at least 32 bytes")
)

// PrivValidator signs consensus messages on behalf of one stake table
// entry.
type PrivValidator interface {
	// GetPubKey returns the public key
	GetPubKey() types.PublicKey

	// SignVote fills in the vote's signer and signature for version,
	// refusing to sign a second statement for a (kind, view) already signed.
	SignVote(vote *types.Vote, version types.Version) error

	// SignState signs a light client state update.
	SignState(cert *types.LightClientStateCert) (types.Signature, error)
}

// PrivKey is a BLS12-381 signing key.
type PrivKey struct {
	key *bls.PrivateKey[bls.KeyG1SigG2]
	pub types.PublicKey
}

// GenerateKey derives a key from seed, which must hold at least 32 bytes of
// entropy. A nil seed draws fresh randomness.
func GenerateKey(seed []byte) (*PrivKey, error) {
	if seed == nil {
		seed = make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("failed to read randomness: %w", err)
		}
	}
	if len(seed) < 32 {
		return nil, ErrShortSeed
	}
	sk, err := bls.KeyGen[bls.KeyG1SigG2](seed, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return newPrivKey(sk)
}

// PrivKeyFromBytes parses a key encoded with Bytes.
func PrivKeyFromBytes(data []byte) (*PrivKey, error) {
	sk := new(bls.PrivateKey[bls.KeyG1SigG2])
	if err := sk.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return newPrivKey(sk)
}

func newPrivKey(sk *bls.PrivateKey[bls.KeyG1SigG2]) (*PrivKey, error) {
	pub, err := types.PublicKeyFromBLS(sk.PublicKey())
	if err != nil {
		return nil, err
	}
	return &PrivKey{key: sk, pub: pub}, nil
}

// PubKey returns the matching public key.
func (k *PrivKey) PubKey() types.PublicKey { return k.pub }

// Bytes returns the scalar encoding of the key.
func (k *PrivKey) Bytes() ([]byte, error) { return k.key.MarshalBinary() }

// Sign signs msg.
func (k *PrivKey) Sign(msg []byte) types.Signature {
	return types.Signature(bls.Sign(k.key, msg))
}

// SignRecord is the last statement signed for one vote kind.
type SignRecord struct {
	View       types.View       `cramberry:"1"`
	DataCommit types.Commitment `cramberry:"2"`
	Version    types.Version    `cramberry:"3"`
	Signature  types.Signature  `cramberry:"4"`
}

// LastSignState tracks the last signed vote per kind for double-sign
// prevention. Views are tracked per kind because one view legitimately
// carries, say, both a quorum vote and a timeout vote.
type LastSignState struct {
	Records map[types.CertKind]SignRecord `cramberry:"1"`
}

// CheckVote reports whether signing vote would be a double sign. It returns
// the cached signature when the vote is identical to the last one signed
// for its kind.
func (lss *LastSignState) CheckVote(vote *types.Vote, version types.Version) (types.Signature, error) {
	rec, ok := lss.Records[vote.Kind]
	if !ok {
		return nil, nil
	}
	if vote.View < rec.View {
		return nil, fmt.Errorf("%w: %s %s < %s", ErrViewRegression, vote.Kind, vote.View, rec.View)
	}
	if vote.View > rec.View {
		return nil, nil
	}
	if rec.DataCommit == vote.DataCommit() && rec.Version == version {
		return rec.Signature, nil
	}
	return nil, fmt.Errorf("%w: %s at %s", ErrDoubleSign, vote.Kind, vote.View)
}

// record stores vote as the last signed vote of its kind.
func (lss *LastSignState) record(vote *types.Vote, version types.Version) {
	if lss.Records == nil {
		lss.Records = make(map[types.CertKind]SignRecord)
	}
	lss.Records[vote.Kind] = SignRecord{
		View:       vote.View,
		DataCommit: vote.DataCommit(),
		Version:    version,
		Signature:  append(types.Signature(nil), vote.Signature...),
	}
}

// MemPV is an in-memory PrivValidator. Its sign state is lost on restart,
// so it is meant for tests and ephemeral nodes.
type MemPV struct {
	mu            sync.Mutex
	key           *PrivKey
	lastSignState LastSignState
}

// NewMemPV wraps key in an in-memory validator.
func NewMemPV(key *PrivKey) *MemPV {
	return &MemPV{key: key}
}

// GetPubKey returns the public key
func (pv *MemPV) GetPubKey() types.PublicKey { return pv.key.PubKey() }

// SignVote signs a vote, checking for double-sign
func (pv *MemPV) SignVote(vote *types.Vote, version types.Version) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	return signVote(pv.key, &pv.lastSignState, vote, version, nil)
}

// SignState signs a light client state update
func (pv *MemPV) SignState(cert *types.LightClientStateCert) (types.Signature, error) {
	return pv.key.Sign(cert.SignBytes()), nil
}

// signVote runs the double-sign check, signs, records, and persists through
// save before handing the signature back to the caller.
func signVote(key *PrivKey, lss *LastSignState, vote *types.Vote, version types.Version, save func() error) error {
	vote.Signer = key.PubKey()
	cached, err := lss.CheckVote(vote, version)
	if err != nil {
		return err
	}
	if cached != nil {
		vote.Signature = append(types.Signature(nil), cached...)
		return nil
	}

	sig := key.Sign(vote.SignBytes(version))
	prev, hadPrev := lss.Records[vote.Kind]
	vote.Signature = sig
	lss.record(vote, version)
	if save != nil {
		if err := save(); err != nil {
			if hadPrev {
				lss.Records[vote.Kind] = prev
			} else {
				delete(lss.Records, vote.Kind)
			}
			vote.Signature = nil
			return err
		}
	}
	return nil
}

var (
	_ PrivValidator = (*MemPV)(nil)
	_ PrivValidator = (*FilePV)(nil)
)
