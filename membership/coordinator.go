package membership

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/blockberries/quorumberry/types"
)

// CoordinatorConfig configures the membership cache and fetch retries.
type CoordinatorConfig struct {
	// CacheSize is the number of epochs kept in memory
	CacheSize int

	// FetchAttempts bounds fetches of an unavailable epoch per request
	FetchAttempts int

	// RetryDelay is the pause between attempts
	RetryDelay time.Duration
}

// DefaultCoordinatorConfig returns a default configuration.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		CacheSize:     16,
		FetchAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
	}
}

// ValidateBasic validates the configuration.
func (cfg CoordinatorConfig) ValidateBasic() error {
	if cfg.CacheSize <= 0 {
		return errors.New("CacheSize must be positive")
	}
	if cfg.FetchAttempts <= 0 {
		return errors.New("FetchAttempts must be positive")
	}
	if cfg.RetryDelay < 0 {
		return errors.New("RetryDelay must be non-negative")
	}
	return nil
}

// Coordinator caches epoch memberships and deduplicates concurrent fetches
// of the same epoch.
type Coordinator struct {
	cfg     CoordinatorConfig
	fetcher Fetcher
	logger  *zap.Logger

	cache *lru.Cache[types.Epoch, *EpochMembership]
	group singleflight.Group

	// background warmers
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Provider = (*Coordinator)(nil)

// NewCoordinator creates a coordinator over fetcher.
func NewCoordinator(cfg CoordinatorConfig, fetcher Fetcher, logger *zap.Logger) (*Coordinator, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New[types.Epoch, *EpochMembership](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logger.Named("membership"),
		cache:   cache,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Membership returns the membership of epoch, fetching it on a cache miss.
// An epoch that stays unavailable after the configured attempts yields an
// error wrapping ErrEpochUnavailable. Concurrent callers share one fetch,
// which runs until the coordinator closes; ctx only bounds how long this
// caller waits for it.
func (c *Coordinator) Membership(ctx context.Context, epoch types.Epoch) (*EpochMembership, error) {
	if m, ok := c.cache.Get(epoch); ok {
		return m, nil
	}

	ch := c.group.DoChan(strconv.FormatUint(uint64(epoch), 10), func() (interface{}, error) {
		return c.fetch(c.ctx, epoch)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*EpochMembership), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) fetch(ctx context.Context, epoch types.Epoch) (*EpochMembership, error) {
	if m, ok := c.cache.Get(epoch); ok {
		return m, nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.FetchAttempts; attempt++ {
		table, da, err := c.fetcher.Fetch(ctx, epoch)
		if err == nil {
			m, err := NewEpochMembership(epoch, table, da)
			if err != nil {
				return nil, err
			}
			c.cache.Add(epoch, m)
			c.logger.Debug("loaded epoch membership",
				zap.Stringer("epoch", epoch),
				zap.Int("entries", table.Len()))
			return m, nil
		}
		if !errors.Is(err, ErrEpochUnavailable) {
			return nil, fmt.Errorf("fetch %s: %w", epoch, err)
		}
		lastErr = err

		c.logger.Info("epoch membership unavailable, retrying",
			zap.Stringer("epoch", epoch),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == c.cfg.FetchAttempts {
			break
		}
		select {
		case <-time.After(c.cfg.RetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%s after %d attempts: %w", epoch, c.cfg.FetchAttempts, lastErr)
}

// Warm fetches epoch in the background so a later Membership call hits the
// cache. Failures are logged and otherwise ignored.
func (c *Coordinator) Warm(epoch types.Epoch) {
	if c.cache.Contains(epoch) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.Membership(c.ctx, epoch); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("failed to warm epoch membership",
				zap.Stringer("epoch", epoch),
				zap.Error(err))
		}
	}()
}

// Cached reports whether epoch is in the cache.
func (c *Coordinator) Cached(epoch types.Epoch) bool {
	return c.cache.Contains(epoch)
}

// Close stops background warmers and waits for them to exit.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}
