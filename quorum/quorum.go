package quorum

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/blockberries/quorumberry/types"
)

// Verifier checks the threshold signature on a certificate pair at a
// protocol version.
type Verifier interface {
	Verify(ctx context.Context, cert *types.CertificatePair, version types.Version) error
}

// Quorum is the root of trust for certificate verification: it checks
// single certificates and certificate chains forming a commit rule.
type Quorum interface {
	Verifier

	// VerifyQCChainAndGetVersion checks that certs are validly signed,
	// have consecutive views, and that the first signs leaf. It returns
	// the version leaf declares.
	VerifyQCChainAndGetVersion(ctx context.Context, leaf *types.Leaf, certs []*types.CertificatePair) (types.Version, error)
}

// CommitRule is the certificate chain pattern that decides a leaf.
type CommitRule uint8

const (
	// HotStuff is the legacy three-chain rule, used below EpochVersion.
	HotStuff CommitRule = iota
	// HotStuff2 is the two-chain rule, used from EpochVersion on.
	HotStuff2
)

// String implements fmt.Stringer.
func (r CommitRule) String() string {
	if r == HotStuff2 {
		return "hotstuff2"
	}
	return "hotstuff"
}

// ChainLength is the number of consecutive QCs the rule needs.
func (r CommitRule) ChainLength() int {
	if r == HotStuff2 {
		return 2
	}
	return 3
}

// CommitRuleFor returns the commit rule in effect for leaves of version.
func CommitRuleFor(version types.Version) CommitRule {
	if version.AtLeast(types.EpochVersion) {
		return HotStuff2
	}
	return HotStuff
}

// CheckCommitRule fails unless rule is the rule in effect at version.
func CheckCommitRule(rule CommitRule, version types.Version) error {
	if CommitRuleFor(version) != rule {
		return fmt.Errorf("%w: %s at version %s", ErrWrongCommitRule, rule, version)
	}
	return nil
}

// VerifyQCChainAndGetVersion verifies a chain of QCs extending from leaf
// with v. Each QC is checked at the version in effect at its view: the
// leaf's declared version, or the upgrade's new version from the upgrade's
// first view on. The leaf is untrusted until the first QC is shown to sign
// it; its version is only read because the signed commitment depends on
// it.
func VerifyQCChainAndGetVersion(
	ctx context.Context,
	v Verifier,
	logger *zap.Logger,
	leaf *types.Leaf,
	certs []*types.CertificatePair,
) (types.Version, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	version := leaf.Version
	upgrade := leaf.Upgrade()

	if !version.IsSupported() {
		return types.Version{}, fmt.Errorf("%w: leaf version %s", types.ErrUnsupportedVersion, version)
	}
	if upgrade != nil && !upgrade.NewVersion.IsSupported() {
		return types.Version{}, fmt.Errorf("%w: upgrade to %s", types.ErrUnsupportedVersion, upgrade.NewVersion)
	}
	if len(certs) == 0 {
		return types.Version{}, ErrEmptyChain
	}

	var prev *types.CertificatePair
	for _, cert := range certs {
		if cert == nil || cert.QC == nil {
			return types.Version{}, fmt.Errorf("%w: nil QC in chain", ErrInvalidQC)
		}

		expected := version
		if upgrade != nil && cert.View() >= upgrade.NewVersionFirstView {
			logger.Debug("using upgraded version",
				zap.Stringer("view", cert.View()),
				zap.Stringer("version", upgrade.NewVersion))
			expected = upgrade.NewVersion
		}

		if err := v.Verify(ctx, cert, expected); err != nil {
			return types.Version{}, err
		}

		if prev != nil && cert.View() != prev.View()+1 {
			return types.Version{}, fmt.Errorf("%w: %s follows %s", ErrNonConsecutiveViews, cert.View(), prev.View())
		}
		prev = cert
	}

	if certs[0].LeafCommit() != leaf.Commit() {
		return types.Version{}, fmt.Errorf("%w: QC signs %s, leaf is %s", ErrWrongLeaf, certs[0].LeafCommit(), leaf.Commit())
	}
	return version, nil
}
