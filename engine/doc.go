// Package engine implements the view-based consensus task: vote
// accumulation, certificate formation and the event loop that moves a node
// through views and epochs.
//
// # Core Components
//
// VoteAccumulator: Collects signature shares for one view and kind and
// forms a certificate when the signers' stake reaches the kind's threshold.
// EpochRootAccumulator does the same for epoch root votes and also forms
// the light client state certificate.
//
// VoteCollectorsMap: Owns the live accumulators of one kind, keyed by view
// and epoch, and garbage-collects those below the current view.
//
// ConsensusTaskState: The single-goroutine event loop. It consumes vote,
// certificate and timer events and applies them to the Consensus snapshot.
//
// Consensus: The node's high QC, next epoch high QC, transition QC, state
// certificate, view and epoch. Every update is monotone and persisted
// through a storage.Store before it becomes visible.
//
// TimeoutTask: The per-view timer. A reset supersedes the previous timer
// and a superseded timer never delivers.
//
// # Epochs
//
// With a non-zero epoch height, the last four blocks of an epoch form its
// transition. QCs for those blocks must be paired with a QC from the next
// epoch's stake table, and once both exist for the last block the node
// moves into the next epoch. The fifth block from the end is the epoch
// root, whose QC also certifies the light client state.
//
// # Usage Example
//
//	cfg := engine.DefaultConfig()
//	cfg.StoragePath = "data/consensus"
//
//	eng, err := engine.NewEngine(cfg, stakeTables, privVal, outbox, logger, prometheus.DefaultRegisterer)
//	if err != nil {
//	    return err
//	}
//	if err := eng.Start(); err != nil {
//	    return err
//	}
//	defer eng.Stop()
//
//	// Feed network messages
//	eng.HandleConsensusMessage(peerID, data)
//
// # Thread Safety
//
// All public methods are thread-safe. Events are processed by one
// goroutine in delivery order, and follow-up events raised while handling
// one event are processed before the next delivered event.
package engine
