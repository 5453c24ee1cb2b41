// Package quorumtest provides Quorum implementations with fixed verdicts
// for tests of code built on top of certificate verification.
package quorumtest

import (
	"context"
	"errors"
	"fmt"

	"github.com/blockberries/quorumberry/quorum"
	"github.com/blockberries/quorumberry/types"
)

// ErrRejected is returned by AlwaysFalse.
var ErrRejected = errors.New("quorum rejects every certificate")

// AlwaysTrue accepts every certificate signature.
type AlwaysTrue struct{}

// Verify implements quorum.Verifier.
func (AlwaysTrue) Verify(context.Context, *types.CertificatePair, types.Version) error { return nil }

// VerifyQCChainAndGetVersion implements quorum.Quorum.
func (q AlwaysTrue) VerifyQCChainAndGetVersion(ctx context.Context, leaf *types.Leaf, certs []*types.CertificatePair) (types.Version, error) {
	return quorum.VerifyQCChainAndGetVersion(ctx, q, nil, leaf, certs)
}

// AlwaysFalse rejects every certificate signature.
type AlwaysFalse struct{}

// Verify implements quorum.Verifier.
func (AlwaysFalse) Verify(context.Context, *types.CertificatePair, types.Version) error {
	return ErrRejected
}

// VerifyQCChainAndGetVersion implements quorum.Quorum.
func (q AlwaysFalse) VerifyQCChainAndGetVersion(ctx context.Context, leaf *types.Leaf, certs []*types.CertificatePair) (types.Version, error) {
	return quorum.VerifyQCChainAndGetVersion(ctx, q, nil, leaf, certs)
}

// VersionCheck accepts a certificate only when it is verified at the
// version expected for its view.
type VersionCheck struct {
	// Expected maps a view to the version its certificate must be checked
	// at. Views not present expect Default.
	Expected map[types.View]types.Version
	Default  types.Version
}

// Verify implements quorum.Verifier.
func (q VersionCheck) Verify(_ context.Context, cert *types.CertificatePair, version types.Version) error {
	want, ok := q.Expected[cert.View()]
	if !ok {
		want = q.Default
	}
	if version != want {
		return fmt.Errorf("%w: %s verified at %s, want %s", ErrRejected, cert.View(), version, want)
	}
	return nil
}

// VerifyQCChainAndGetVersion implements quorum.Quorum.
func (q VersionCheck) VerifyQCChainAndGetVersion(ctx context.Context, leaf *types.Leaf, certs []*types.CertificatePair) (types.Version, error) {
	return quorum.VerifyQCChainAndGetVersion(ctx, q, nil, leaf, certs)
}

var (
	_ quorum.Quorum = AlwaysTrue{}
	_ quorum.Quorum = AlwaysFalse{}
	_ quorum.Quorum = VersionCheck{}
)
