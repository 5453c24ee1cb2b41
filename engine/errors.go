package engine

import (
	"context"
	"errors"

	"github.com/blockberries/quorumberry/membership"
	"github.com/blockberries/quorumberry/privval"
	"github.com/blockberries/quorumberry/quorum"
	"github.com/blockberries/quorumberry/storage"
	"github.com/blockberries/quorumberry/types"
)

// Error classes. Every error the engine logs falls into one of them.
var (
	// ErrCryptoVerification is a bad signature or insufficient stake.
	// Always dropped.
	ErrCryptoVerification = errors.New("crypto verification failure")

	// ErrProtocolViolation is a well-signed message that breaks a protocol
	// rule, possibly from a Byzantine peer.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrResourceUnavailable is a missing stake table or leaf that may
	// appear later.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrInternalInvariant is a bug in this node.
	ErrInternalInvariant = errors.New("internal invariant broken")
)

// Consensus errors
var (
	ErrUnknownSigner      = errors.New("signer has no stake")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrDuplicateVote      = errors.New("vote already counted")
	ErrWrongView          = errors.New("vote for another view")
	ErrWrongKind          = errors.New("vote of another kind")
	ErrStaleView          = errors.New("view below garbage collection floor")
	ErrNotLeader          = errors.New("not the leader for this view")
	ErrNoStake            = errors.New("this node has no stake")
	ErrUnknownLeaf        = errors.New("leaf not found")
	ErrNotLastBlock       = errors.New("QC is not for the last block of the epoch")
	ErrNotEpochRoot       = errors.New("QC is not for an epoch root")
	ErrNoPrivValidator    = errors.New("no private validator configured")
	ErrAlreadyStarted     = errors.New("consensus already started")
	ErrNotStarted         = errors.New("consensus not started")
	ErrInvalidMessage     = errors.New("invalid consensus message")
	ErrUnknownMessageType = errors.New("unknown consensus message type")
	ErrInvalidConfig      = errors.New("invalid engine config")
	ErrEventQueueFull     = errors.New("event queue full")

	ErrRegression = storage.ErrRegression
)

var classes = []struct {
	class   error
	members []error
}{
	{ErrInternalInvariant, []error{
		storage.ErrRegression,
		storage.ErrCorrupted,
		privval.ErrDoubleSign,
		privval.ErrViewRegression,
	}},
	{ErrResourceUnavailable, []error{
		ErrStaleView,
		ErrUnknownLeaf,
		ErrEventQueueFull,
		membership.ErrEpochUnavailable,
		membership.ErrNoStakeTable,
		quorum.ErrMembership,
		context.Canceled,
		context.DeadlineExceeded,
	}},
	{ErrCryptoVerification, []error{
		ErrInvalidSignature,
		types.ErrBadSignature,
		types.ErrInvalidAggregate,
		types.ErrInsufficientStake,
		types.ErrInvalidStateCert,
		quorum.ErrInvalidQC,
		quorum.ErrInvalidNextEpochQC,
	}},
	{ErrProtocolViolation, []error{
		ErrUnknownSigner,
		ErrDuplicateVote,
		ErrWrongView,
		ErrWrongKind,
		ErrNotLeader,
		ErrNotLastBlock,
		ErrNotEpochRoot,
		ErrInvalidMessage,
		ErrUnknownMessageType,
		types.ErrInvalidVote,
		types.ErrMissingSigner,
		types.ErrInvalidCertificate,
		types.ErrMissingNextEpochQC,
		types.ErrNextEpochQCMismatch,
		types.ErrMissingBlockNumber,
		types.ErrUnsupportedVersion,
		types.ErrStateCertEpochMismatch,
		types.ErrInvalidLeaf,
		quorum.ErrEmptyChain,
		quorum.ErrNonConsecutiveViews,
		quorum.ErrWrongLeaf,
		quorum.ErrWrongKind,
		quorum.ErrWrongCommitRule,
		storage.ErrTransitionMismatch,
	}},
}

// Classify maps err onto one of the four error classes. It returns nil for
// a nil error and ErrInternalInvariant for errors it does not recognize.
// A chain wrapping several known errors takes the first class that
// matches in the order internal, resource, crypto, protocol. A certificate
// rejected because its stake table could not be resolved is therefore
// unavailable rather than invalid.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, c := range classes {
		if errors.Is(err, c.class) {
			return c.class
		}
		for _, m := range c.members {
			if errors.Is(err, m) {
				return c.class
			}
		}
	}
	return ErrInternalInvariant
}
