package quorum

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/blockberries/quorumberry/membership"
	"github.com/blockberries/quorumberry/types"
)

// StakeTableQuorum verifies certificates against the stake tables of the
// epochs that signed them.
type StakeTableQuorum struct {
	provider    membership.Provider
	epochHeight uint64
	logger      *zap.Logger
}

var _ Quorum = (*StakeTableQuorum)(nil)

// NewStakeTableQuorum creates a quorum over provider. epochHeight decides
// which QCs sit in an epoch transition.
func NewStakeTableQuorum(provider membership.Provider, epochHeight uint64, logger *zap.Logger) *StakeTableQuorum {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StakeTableQuorum{
		provider:    provider,
		epochHeight: epochHeight,
		logger:      logger.Named("quorum"),
	}
}

// EpochHeight returns the configured epoch height.
func (q *StakeTableQuorum) EpochHeight() uint64 { return q.epochHeight }

// Verify checks the QC of cert against its epoch's stake table. From
// EpochVersion on, a QC inside an epoch transition must also carry a next
// epoch QC for the same statement, which is checked against the next
// epoch's stake table. Both checks run concurrently.
func (q *StakeTableQuorum) Verify(ctx context.Context, cert *types.CertificatePair, version types.Version) error {
	if !version.IsSupported() {
		return fmt.Errorf("%w: %s", types.ErrUnsupportedVersion, version)
	}
	if cert == nil || cert.QC == nil {
		return fmt.Errorf("%w: missing QC", ErrInvalidQC)
	}
	if cert.QC.Kind != types.KindQuorum {
		return fmt.Errorf("%w: %s", ErrWrongKind, cert.QC.Kind)
	}

	var next *types.Certificate
	if version.AtLeast(types.EpochVersion) {
		var err error
		if next, err = cert.NextEpochQCFor(q.epochHeight); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := q.VerifyCertificate(gctx, cert.QC, version); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidQC, err)
		}
		return nil
	})
	if next != nil {
		g.Go(func() error {
			if next.Kind != types.KindNextEpochQuorum && next.Kind != types.KindQuorum {
				return fmt.Errorf("%w: next epoch QC of kind %s", ErrWrongKind, next.Kind)
			}
			if err := q.verifyAgainst(gctx, next, cert.Epoch().Next(), version); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidNextEpochQC, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// VerifyCertificate checks a single certificate of any kind against the
// stake table and threshold of its own epoch.
func (q *StakeTableQuorum) VerifyCertificate(ctx context.Context, cert *types.Certificate, version types.Version) error {
	return q.verifyAgainst(ctx, cert, cert.Epoch(), version)
}

func (q *StakeTableQuorum) verifyAgainst(ctx context.Context, cert *types.Certificate, epoch types.Epoch, version types.Version) error {
	m, err := q.provider.Membership(ctx, epoch)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMembership, err)
	}
	table, threshold := m.ForKind(cert.Kind)
	if err := cert.Verify(table, threshold, version); err != nil {
		q.logger.Debug("certificate failed verification",
			zap.Stringer("kind", cert.Kind),
			zap.Stringer("view", cert.View),
			zap.Stringer("epoch", epoch),
			zap.Error(err))
		return err
	}
	return nil
}

// VerifyStateCert checks a light client state certificate against the
// stake table of its epoch.
func (q *StakeTableQuorum) VerifyStateCert(ctx context.Context, cert *types.LightClientStateCert) error {
	m, err := q.provider.Membership(ctx, cert.Epoch)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMembership, err)
	}
	return cert.Verify(m.StakeTable(), m.SuccessThreshold())
}

// VerifyQCChainAndGetVersion implements Quorum.
func (q *StakeTableQuorum) VerifyQCChainAndGetVersion(
	ctx context.Context,
	leaf *types.Leaf,
	certs []*types.CertificatePair,
) (types.Version, error) {
	return VerifyQCChainAndGetVersion(ctx, q, q.logger, leaf, certs)
}
