package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/quorumberry/internal/testkit"
	"github.com/blockberries/quorumberry/types"
)

const testEpochHeight = 100

func qcAt(t *testing.T, q *testkit.Quorum, view types.View) *types.Certificate {
	t.Helper()
	leaf := &types.Leaf{View: view, BlockNumber: uint64(view), Version: types.EpochVersion, JustifyQC: types.GenesisQC()}
	return q.QCFor(t, leaf, testEpochHeight, types.EpochVersion)
}

func TestEmptyLoad(t *testing.T) {
	s := NewMemStore()
	defer s.Close()

	st, err := s.Load()
	require.NoError(t, err)
	require.Nil(t, st.HighQC)
	require.Nil(t, st.TransitionQC)
	require.Nil(t, st.StateCert)
	require.Zero(t, st.View)
	require.Zero(t, st.Epoch)
}

func TestHighQCMonotone(t *testing.T) {
	q := testkit.NewQuorum(t, 1, 4, 0)
	s := NewMemStore()
	defer s.Close()

	qc5, qc7 := qcAt(t, q, 5), qcAt(t, q, 7)
	require.NoError(t, s.UpdateHighQC(qc5))
	require.NoError(t, s.UpdateHighQC(qc7))

	// Same QC again is a no-op.
	require.NoError(t, s.UpdateHighQC(qc7))

	err := s.UpdateHighQC(qc5)
	require.ErrorIs(t, err, ErrRegression)

	st, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, qc7.Commit(), st.HighQC.Commit())
	require.Equal(t, types.View(7), st.HighQC.View)
}

func TestNextEpochHighQCIndependent(t *testing.T) {
	q := testkit.NewQuorum(t, 1, 4, 0)
	next := testkit.NewQuorum(t, 2, 4, 4)
	s := NewMemStore()
	defer s.Close()

	qc := qcAt(t, q, 9)
	require.NoError(t, s.UpdateHighQC(qc))
	require.NoError(t, s.UpdateNextEpochHighQC(next.NextEpochQCFor(t, qcAt(t, q, 3), types.EpochVersion)))

	st, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, types.View(9), st.HighQC.View)
	require.Equal(t, types.View(3), st.NextEpochHighQC.View)
	require.Equal(t, types.KindNextEpochQuorum, st.NextEpochHighQC.Kind)
}

func TestTransitionQC(t *testing.T) {
	q := testkit.NewQuorum(t, 1, 4, 0)
	next := testkit.NewQuorum(t, 2, 4, 4)
	s := NewMemStore()
	defer s.Close()

	qc5 := qcAt(t, q, 5)
	pair5 := types.NewCertificatePair(qc5, next.NextEpochQCFor(t, qc5, types.EpochVersion))
	require.NoError(t, s.UpdateTransitionQC(pair5))
	require.NoError(t, s.UpdateTransitionQC(pair5))

	qc6 := qcAt(t, q, 6)
	mismatched := types.NewCertificatePair(qc6, next.NextEpochQCFor(t, qc5, types.EpochVersion))
	require.ErrorIs(t, s.UpdateTransitionQC(mismatched), ErrTransitionMismatch)
	require.ErrorIs(t, s.UpdateTransitionQC(types.NewCertificatePair(qc6, nil)), ErrTransitionMismatch)

	qc4 := qcAt(t, q, 4)
	older := types.NewCertificatePair(qc4, next.NextEpochQCFor(t, qc4, types.EpochVersion))
	require.ErrorIs(t, s.UpdateTransitionQC(older), ErrRegression)

	st, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, types.View(5), st.TransitionQC.View())
	require.Equal(t, st.TransitionQC.QC.LeafCommit(), st.TransitionQC.NextEpochQC.LeafCommit())
}

func TestStateCert(t *testing.T) {
	s := NewMemStore()
	defer s.Close()

	cert := func(epoch types.Epoch, b byte) *types.LightClientStateCert {
		return &types.LightClientStateCert{Epoch: epoch, StateCommit: types.HashBytes([]byte{b})}
	}
	require.NoError(t, s.UpdateStateCert(cert(2, 1)))
	require.NoError(t, s.UpdateStateCert(cert(2, 1)))
	require.ErrorIs(t, s.UpdateStateCert(cert(2, 2)), ErrRegression)
	require.ErrorIs(t, s.UpdateStateCert(cert(1, 1)), ErrRegression)
	require.NoError(t, s.UpdateStateCert(cert(3, 3)))

	st, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, types.Epoch(3), st.StateCert.Epoch)
}

func TestViewAndEpoch(t *testing.T) {
	s := NewMemStore()
	defer s.Close()

	require.NoError(t, s.UpdateView(4))
	require.NoError(t, s.UpdateView(4))
	require.ErrorIs(t, s.UpdateView(3), ErrRegression)
	require.NoError(t, s.UpdateView(8))

	require.NoError(t, s.UpdateEpoch(1))
	require.ErrorIs(t, s.UpdateEpoch(0), ErrRegression)

	st, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, types.View(8), st.View)
	require.Equal(t, types.Epoch(1), st.Epoch)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	q := testkit.NewQuorum(t, 1, 4, 0)
	qc := qcAt(t, q, 12)

	s, err := OpenLevelStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.UpdateHighQC(qc))
	require.NoError(t, s.UpdateView(13))
	require.NoError(t, s.UpdateEpoch(1))
	require.NoError(t, s.Close())

	s, err = OpenLevelStore(dir)
	require.NoError(t, err)
	defer s.Close()

	st, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, qc.Commit(), st.HighQC.Commit())
	require.NoError(t, st.HighQC.Verify(q.Table, q.Table.SuccessThreshold(), types.EpochVersion))
	require.Equal(t, types.View(13), st.View)

	// Monotonicity holds across restarts.
	require.ErrorIs(t, s.UpdateView(12), ErrRegression)
}

func TestClosed(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.UpdateView(1), ErrClosed)
	_, err := s.Load()
	require.ErrorIs(t, err, ErrClosed)
}
