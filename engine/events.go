package engine

import (
	"github.com/blockberries/quorumberry/types"
)

// Event is an input to the consensus event loop.
type Event interface {
	isEvent()
}

// QuorumVoteRecv carries a quorum vote from a peer.
type QuorumVoteRecv struct{ Vote *types.Vote }

// TimeoutVoteRecv carries a timeout vote from a peer.
type TimeoutVoteRecv struct{ Vote *types.Vote }

// EpochRootQuorumVoteRecv carries a vote for an epoch root block.
type EpochRootQuorumVoteRecv struct{ Vote *EpochRootVote }

// ViewChange moves the node to View, and to Epoch when it is higher than
// the current one.
type ViewChange struct {
	View  types.View
	Epoch types.Epoch
}

// Timeout reports that View passed without progress.
type Timeout struct {
	View  types.View
	Epoch types.Epoch
}

// HighQcRecv carries a peer's high QC, with the next epoch QC when the
// certified block is in an epoch transition.
type HighQcRecv struct {
	QC          *types.Certificate
	NextEpochQC *types.Certificate
	Sender      types.PublicKey
}

// ExtendedQcRecv carries the QC pair for the last block of an epoch.
type ExtendedQcRecv struct {
	QC          *types.Certificate
	NextEpochQC *types.Certificate
	Sender      types.PublicKey
}

// EpochRootQcRecv carries the QC for an epoch root block with its light
// client state certificate.
type EpochRootQcRecv struct {
	Cert   *types.EpochRootCertificate
	Sender types.PublicKey
}

// Qc2Formed reports a QC formed by this node.
type Qc2Formed struct{ QC *types.Certificate }

// ExtendedQc2Formed reports that this node formed both QCs for the last
// block of an epoch.
type ExtendedQc2Formed struct {
	QC          *types.Certificate
	NextEpochQC *types.Certificate
}

func (QuorumVoteRecv) isEvent()          {}
func (TimeoutVoteRecv) isEvent()         {}
func (EpochRootQuorumVoteRecv) isEvent() {}
func (ViewChange) isEvent()              {}
func (Timeout) isEvent()                 {}
func (HighQcRecv) isEvent()              {}
func (ExtendedQcRecv) isEvent()          {}
func (EpochRootQcRecv) isEvent()         {}
func (Qc2Formed) isEvent()               {}
func (ExtendedQc2Formed) isEvent()       {}

// Outbox receives everything the event loop emits. Implementations must
// not block.
type Outbox interface {
	// BroadcastVote sends a vote signed by this node to all peers.
	BroadcastVote(vote *types.Vote)

	// CertFormed announces a certificate formed by this node.
	CertFormed(cert *types.Certificate)

	// EpochRootCertFormed announces an epoch root certificate formed by
	// this node.
	EpochRootCertFormed(cert *types.EpochRootCertificate)

	// SendHighQC sends the high QC to the leader of the next view.
	SendHighQC(to types.PublicKey, pair *types.CertificatePair)

	// SendExtendedQC broadcasts the QC pair for the last block of an
	// epoch.
	SendExtendedQC(pair *types.CertificatePair)

	// SendEpochRootQC sends an epoch root QC and its state certificate to
	// the leader of the next view.
	SendEpochRootQC(to types.PublicKey, cert *types.EpochRootCertificate)

	// ViewChanged reports that the node entered view in epoch.
	ViewChanged(view types.View, epoch types.Epoch)
}
