// Package membership resolves the per-epoch stake tables consensus
// verifies against.
//
// A Fetcher loads the stake table (and optionally a separate DA committee)
// of an epoch from its source of truth. The Coordinator sits in front of
// it: it caches recent epochs in an LRU, collapses concurrent requests for
// the same epoch into one fetch, and retries epochs that are not yet
// resolvable. EpochMembership answers the questions consensus asks of an
// epoch: who is staked, how much stake a certificate of a given kind
// needs, and who leads a view.
package membership
