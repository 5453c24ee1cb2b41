package privval

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blockberries/cramberry/pkg/cramberry"

	"github.com/blockberries/quorumberry/types"
)

const (
	keyFilePerm   = 0600
	stateFilePerm = 0600
)

// FilePV is a file-based private validator. The sign state is persisted
// before a signature is handed out, so a restarted node never signs a
// conflicting statement for a view it already voted in.
type FilePV struct {
	mu sync.Mutex

	keyFilePath   string
	stateFilePath string

	key           *PrivKey
	lastSignState LastSignState
}

// FilePVKey represents the key file structure
type FilePVKey struct {
	PubKey  []byte `cramberry:"1"`
	PrivKey []byte `cramberry:"2"`
}

// NewFilePV loads a file-based private validator, generating a key if the
// key file does not exist yet.
func NewFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
	}
	if err := pv.loadKey(); err != nil {
		return nil, err
	}
	if err := pv.loadState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// GenerateFilePV writes a fresh key and empty sign state.
func GenerateFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	key, err := GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
		key:           key,
	}
	if err := pv.saveKey(); err != nil {
		return nil, err
	}
	if err := pv.saveState(); err != nil {
		return nil, err
	}
	return pv, nil
}

func (pv *FilePV) loadKey() error {
	data, err := os.ReadFile(pv.keyFilePath)
	if errors.Is(err, os.ErrNotExist) {
		key, err := GenerateKey(nil)
		if err != nil {
			return err
		}
		pv.key = key
		return pv.saveKey()
	}
	if err != nil {
		return fmt.Errorf("failed to read key file: %w", err)
	}

	var fk FilePVKey
	if err := cramberry.UnmarshalWithOptions(data, &fk, cramberry.SecureOptions); err != nil {
		return fmt.Errorf("failed to parse key file: %w", err)
	}
	key, err := PrivKeyFromBytes(fk.PrivKey)
	if err != nil {
		return err
	}
	if !key.PubKey().Equal(publicKeyOrZero(fk.PubKey)) {
		return fmt.Errorf("%w: public key does not match private key", ErrInvalidKey)
	}
	pv.key = key
	return nil
}

func publicKeyOrZero(data []byte) types.PublicKey {
	pk, err := types.NewPublicKey(data)
	if err != nil {
		return types.PublicKey{}
	}
	return pk
}

func (pv *FilePV) saveKey() error {
	priv, err := pv.key.Bytes()
	if err != nil {
		return fmt.Errorf("failed to encode key: %w", err)
	}
	data, err := cramberry.Marshal(FilePVKey{
		PubKey:  pv.key.PubKey().Bytes(),
		PrivKey: priv,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	return writeFileAtomic(pv.keyFilePath, data, keyFilePerm)
}

func (pv *FilePV) loadState() error {
	data, err := os.ReadFile(pv.stateFilePath)
	if errors.Is(err, os.ErrNotExist) {
		pv.lastSignState = LastSignState{}
		return pv.saveState()
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}
	var lss LastSignState
	if err := cramberry.UnmarshalWithOptions(data, &lss, cramberry.SecureOptions); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}
	pv.lastSignState = lss
	return nil
}

func (pv *FilePV) saveState() error {
	data, err := cramberry.Marshal(&pv.lastSignState)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return writeFileAtomic(pv.stateFilePath, data, stateFilePerm)
}

// writeFileAtomic writes to a temp file in the same directory and renames
// it over path, so a crash leaves either the old or the new contents.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// GetPubKey returns the public key
func (pv *FilePV) GetPubKey() types.PublicKey {
	return pv.key.PubKey()
}

// SignVote signs a vote, checking for double-sign and persisting the sign
// state first.
func (pv *FilePV) SignVote(vote *types.Vote, version types.Version) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	return signVote(pv.key, &pv.lastSignState, vote, version, pv.saveState)
}

// SignState signs a light client state update
func (pv *FilePV) SignState(cert *types.LightClientStateCert) (types.Signature, error) {
	return pv.key.Sign(cert.SignBytes()), nil
}

// Reset clears the last sign state (use with caution!)
func (pv *FilePV) Reset() error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	pv.lastSignState = LastSignState{}
	return pv.saveState()
}
