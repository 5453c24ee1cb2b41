package quorum

import "errors"

// Errors
var (
	ErrEmptyChain          = errors.New("empty QC chain")
	ErrNonConsecutiveViews = errors.New("QC chain views are not consecutive")
	ErrWrongLeaf           = errors.New("first QC does not sign the leaf")
	ErrInvalidQC           = errors.New("invalid QC threshold signature")
	ErrInvalidNextEpochQC  = errors.New("invalid next epoch QC threshold signature")
	ErrWrongKind           = errors.New("unexpected certificate kind")
	ErrWrongCommitRule     = errors.New("commit rule does not apply at this version")
	ErrMembership          = errors.New("cannot resolve epoch membership")
)
