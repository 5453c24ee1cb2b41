package storage

import (
	"errors"
	"fmt"

	"github.com/blockberries/quorumberry/types"
)

// Errors
var (
	ErrClosed             = errors.New("store is closed")
	ErrCorrupted          = errors.New("store is corrupted")
	ErrRegression         = errors.New("update does not advance stored state")
	ErrTransitionMismatch = errors.New("transition QC pair certifies different leaves")
)

// State is everything the store persists.
type State struct {
	HighQC          *types.Certificate          `cbor:"1,keyasint,omitempty"`
	NextEpochHighQC *types.Certificate          `cbor:"2,keyasint,omitempty"`
	TransitionQC    *types.CertificatePair      `cbor:"3,keyasint,omitempty"`
	StateCert       *types.LightClientStateCert `cbor:"4,keyasint,omitempty"`
	View            types.View                  `cbor:"5,keyasint"`
	Epoch           types.Epoch                 `cbor:"6,keyasint"`
}

// Store persists the monotone consensus state. Every updater is
// idempotent for the value already stored and rejects, with
// ErrRegression, a value that does not strictly advance it.
type Store interface {
	// UpdateHighQC stores qc if its view is higher than the stored one.
	UpdateHighQC(qc *types.Certificate) error

	// UpdateNextEpochHighQC stores qc if its view is higher than the
	// stored next epoch high QC.
	UpdateNextEpochHighQC(qc *types.Certificate) error

	// UpdateTransitionQC stores a QC and its next epoch QC for a block in
	// an epoch transition.
	UpdateTransitionQC(pair *types.CertificatePair) error

	// UpdateStateCert stores cert if its epoch is higher.
	UpdateStateCert(cert *types.LightClientStateCert) error

	// UpdateView stores the current view.
	UpdateView(view types.View) error

	// UpdateEpoch stores the current epoch.
	UpdateEpoch(epoch types.Epoch) error

	// Load returns the stored state. Fields never written are zero.
	Load() (*State, error)

	// Close releases the store.
	Close() error
}

// checkQC decides whether next advances stored. It returns false with no
// error when next is the stored QC.
func checkQC(stored, next *types.Certificate) (bool, error) {
	if stored == nil {
		return true, nil
	}
	if stored.Commit() == next.Commit() {
		return false, nil
	}
	if next.View <= stored.View {
		return false, errRegression("QC", uint64(next.View), uint64(stored.View))
	}
	return true, nil
}

// CheckHighQC reports whether next may replace the high QC stored. The
// in-memory consensus state applies the same rule as the store.
func CheckHighQC(stored, next *types.Certificate) (bool, error) {
	return checkQC(stored, next)
}

// CheckTransitionQC reports whether pair may replace the stored
// transition QC.
func CheckTransitionQC(stored, pair *types.CertificatePair) (bool, error) {
	if pair == nil || pair.QC == nil || pair.NextEpochQC == nil {
		return false, ErrTransitionMismatch
	}
	if pair.QC.LeafCommit() != pair.NextEpochQC.LeafCommit() {
		return false, ErrTransitionMismatch
	}
	if stored == nil {
		return true, nil
	}
	if stored.QC.Commit() == pair.QC.Commit() {
		return false, nil
	}
	if pair.View() <= stored.View() {
		return false, errRegression("transition QC", uint64(pair.View()), uint64(stored.View()))
	}
	return true, nil
}

// CheckStateCert reports whether next may replace the stored state
// certificate.
func CheckStateCert(stored, next *types.LightClientStateCert) (bool, error) {
	if stored == nil {
		return true, nil
	}
	if next.Epoch <= stored.Epoch {
		if next.Epoch == stored.Epoch && next.StateCommit == stored.StateCommit {
			return false, nil
		}
		return false, errRegression("state certificate epoch", uint64(next.Epoch), uint64(stored.Epoch))
	}
	return true, nil
}

func errRegression(what string, next, stored uint64) error {
	return fmt.Errorf("%w: %s %d is not above %d", ErrRegression, what, next, stored)
}
