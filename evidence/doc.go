// Package evidence detects and retains proof of equivocation.
//
// A signer equivocates when it signs two votes of the same kind in the
// same view over different data. Vote accumulators feed every verified
// vote through Pool.CheckVote; the first vote per signer, view and kind is
// remembered and any later conflicting vote yields an Equivocation holding
// both signed votes. Pending equivocations stay in the pool until they are
// marked committed or fall more than Config.MaxAgeViews behind the current
// view.
//
// VerifyEquivocation checks evidence received from elsewhere: both votes
// must share signer, view and kind, differ in data, and carry valid
// signatures by a staked member of the epoch's table.
//
// The pool is safe for concurrent use.
package evidence
