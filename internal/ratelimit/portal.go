package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tidemark/internal/config"
	obsmetrics "github.com/smallbiznis/tidemark/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyPortalRequest = "tidemark:portal:rate:%s"
	keyAccountLock   = "tidemark:account:lock:%s"
)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Obs    *obsmetrics.Metrics `optional:"true"`
}

// PortalLimiter meters outbound requests per portal username. The utility
// portal is shared infrastructure; one runaway account must not get the
// whole fleet blocked.
type PortalLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
	obs    *obsmetrics.Metrics
	log    *zap.Logger
}

// AccountLocks leases short-lived per-account locks so sync cycles and
// credential repairs never overlap, even across replicas.
type AccountLocks struct {
	locker *Locker
	ttl    time.Duration
}

// New builds both redis-backed guards, or neither when rate limiting is
// off or redis is not configured. Single-replica deployments run fine on
// in-process serialization alone.
func New(p Params) (*PortalLimiter, *AccountLocks, error) {
	limitCfg := p.Config.RateLimit
	addr := strings.TrimSpace(p.Config.Redis.Addr)
	if !limitCfg.Enabled || addr == "" {
		return nil, nil, nil
	}
	if limitCfg.PortalRate <= 0 || limitCfg.PortalBurst <= 0 {
		return nil, nil, errors.New("portal rate limit must be positive")
	}
	if limitCfg.LockTTL <= 0 {
		return nil, nil, errors.New("account lock ttl must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(p.Config.Redis.Password),
		DB:       p.Config.Redis.DB,
	})

	limiter := &PortalLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.PortalRate,
		burst:  limitCfg.PortalBurst,
		obs:    p.Obs,
		log:    p.Log.Named("ratelimit"),
	}
	locks := &AccountLocks{
		locker: NewLocker(client),
		ttl:    limitCfg.LockTTL,
	}
	return limiter, locks, nil
}

func (l *PortalLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow satisfies the portal client's Limiter contract, keyed by the
// portal username.
func (l *PortalLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}

	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyPortalRequest, strings.TrimSpace(key)), l.rate, l.burst)
	if err != nil {
		return false, err
	}

	if res.Allowed {
		l.obs.RecordRateLimitAllowed(ctx, key, "portal")
	} else {
		l.obs.RecordRateLimitDenied(ctx, key, "portal", "throttled")
		l.log.Debug("portal request throttled",
			zap.String("key", key),
			zap.Duration("retry_after", res.RetryAfter),
		)
	}
	return res.Allowed, nil
}

func (a *AccountLocks) Enabled() bool {
	return a != nil && a.locker != nil
}

// TryLock leases the account for one sync or repair pass. Callers must
// Release with the returned token; the lease expires on its own if they
// crash first.
func (a *AccountLocks) TryLock(ctx context.Context, accountID snowflake.ID) (string, bool, error) {
	if !a.Enabled() {
		return "", true, nil
	}
	return a.locker.TryLock(ctx, fmt.Sprintf(keyAccountLock, accountID.String()), a.ttl)
}

func (a *AccountLocks) Release(ctx context.Context, accountID snowflake.ID, token string) error {
	if !a.Enabled() {
		return nil
	}
	return a.locker.Release(ctx, fmt.Sprintf(keyAccountLock, accountID.String()), token)
}
