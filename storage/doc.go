// Package storage persists the consensus state that must survive a
// restart: the high QC, the next epoch high QC, the transition QC, the
// latest light client state certificate, and the current view and epoch.
//
// Updates are monotone. Writing the value already stored is a no-op, and
// writing one that would move the state backwards fails with
// ErrRegression. LevelStore implements Store on goleveldb, either on disk
// with synchronous writes or in memory for tests and ephemeral nodes.
package storage
