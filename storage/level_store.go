package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/blockberries/quorumberry/types"
)

var (
	keyHighQC          = []byte("consensus/high_qc")
	keyNextEpochHighQC = []byte("consensus/next_epoch_high_qc")
	keyTransitionQC    = []byte("consensus/transition_qc")
	keyStateCert       = []byte("consensus/state_cert")
	keyView            = []byte("consensus/view")
	keyEpoch           = []byte("consensus/epoch")
)

// LevelStore is a Store backed by goleveldb. Every update is written with
// fsync so an acknowledged update survives a crash.
type LevelStore struct {
	mu     sync.Mutex
	db     *leveldb.DB
	wo     *opt.WriteOptions
	closed bool
}

// OpenLevelStore opens or creates a store in dir.
func OpenLevelStore(dir string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return &LevelStore{db: db, wo: &opt.WriteOptions{Sync: true}}, nil
}

// NewMemStore returns a store held in memory.
func NewMemStore() *LevelStore {
	db, err := leveldb.Open(lvlstorage.NewMemStorage(), nil)
	if err != nil {
		// Opening an empty memory storage has no failure mode.
		panic(fmt.Sprintf("CONSENSUS CRITICAL: cannot open memory store: %v", err))
	}
	return &LevelStore{db: db, wo: &opt.WriteOptions{}}
}

// UpdateHighQC implements Store.
func (s *LevelStore) UpdateHighQC(qc *types.Certificate) error {
	return s.updateQC(keyHighQC, qc)
}

// UpdateNextEpochHighQC implements Store.
func (s *LevelStore) UpdateNextEpochHighQC(qc *types.Certificate) error {
	return s.updateQC(keyNextEpochHighQC, qc)
}

func (s *LevelStore) updateQC(key []byte, qc *types.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored *types.Certificate
	if err := s.get(key, &stored); err != nil {
		return err
	}
	ok, err := checkQC(stored, qc)
	if !ok {
		return err
	}
	return s.put(key, qc)
}

// UpdateTransitionQC implements Store.
func (s *LevelStore) UpdateTransitionQC(pair *types.CertificatePair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored *types.CertificatePair
	if err := s.get(keyTransitionQC, &stored); err != nil {
		return err
	}
	ok, err := CheckTransitionQC(stored, pair)
	if !ok {
		return err
	}
	return s.put(keyTransitionQC, pair)
}

// UpdateStateCert implements Store.
func (s *LevelStore) UpdateStateCert(cert *types.LightClientStateCert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored *types.LightClientStateCert
	if err := s.get(keyStateCert, &stored); err != nil {
		return err
	}
	ok, err := CheckStateCert(stored, cert)
	if !ok {
		return err
	}
	return s.put(keyStateCert, cert)
}

// UpdateView implements Store.
func (s *LevelStore) UpdateView(view types.View) error {
	return s.updateCounter(keyView, "view", uint64(view))
}

// UpdateEpoch implements Store.
func (s *LevelStore) UpdateEpoch(epoch types.Epoch) error {
	return s.updateCounter(keyEpoch, "epoch", uint64(epoch))
}

func (s *LevelStore) updateCounter(key []byte, what string, next uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, found, err := s.getCounter(key)
	if err != nil {
		return err
	}
	if found && next <= stored {
		if next == stored {
			return nil
		}
		return errRegression(what, next, stored)
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	return s.db.Put(key, buf[:], s.wo)
}

// Load implements Store.
func (s *LevelStore) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &State{}
	if err := s.get(keyHighQC, &st.HighQC); err != nil {
		return nil, err
	}
	if err := s.get(keyNextEpochHighQC, &st.NextEpochHighQC); err != nil {
		return nil, err
	}
	if err := s.get(keyTransitionQC, &st.TransitionQC); err != nil {
		return nil, err
	}
	if err := s.get(keyStateCert, &st.StateCert); err != nil {
		return nil, err
	}
	view, _, err := s.getCounter(keyView)
	if err != nil {
		return nil, err
	}
	epoch, _, err := s.getCounter(keyEpoch)
	if err != nil {
		return nil, err
	}
	st.View, st.Epoch = types.View(view), types.Epoch(epoch)
	return st, nil
}

// Close implements Store.
func (s *LevelStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *LevelStore) checkOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// get decodes the value at key into v, leaving v untouched when the key
// is absent. Caller must hold s.mu.
func (s *LevelStore) get(key []byte, v any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := types.Decode(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupted, key, err)
	}
	return nil
}

// Caller must hold s.mu.
func (s *LevelStore) put(key []byte, v any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := types.CanonicalEncode(v)
	if err != nil {
		return err
	}
	return s.db.Put(key, data, s.wo)
}

// Caller must hold s.mu.
func (s *LevelStore) getCounter(key []byte) (uint64, bool, error) {
	if err := s.checkOpen(); err != nil {
		return 0, false, err
	}
	data, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("%w: %s has %d bytes", ErrCorrupted, key, len(data))
	}
	return binary.BigEndian.Uint64(data), true, nil
}

var _ Store = (*LevelStore)(nil)
