package updater

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Ledger remembers the idempotency tokens of updates already applied.
type Ledger interface {
	// Applied reports whether token was recorded.
	Applied(ctx context.Context, token string) (bool, error)
	// Record stores token after a successful update.
	Record(ctx context.Context, token string) error
}

// IdempotentUpdater skips updates whose token is already in the ledger, so
// a worker that crashed after the external call but before committing the
// transition does not update the product twice. It complements the token
// the upstream receives in the Idempotency-Key header.
type IdempotentUpdater struct {
	next   Updater
	ledger Ledger
	logger *zap.Logger
}

// NewIdempotentUpdater wraps next with ledger.
func NewIdempotentUpdater(next Updater, ledger Ledger, logger *zap.Logger) *IdempotentUpdater {
	return &IdempotentUpdater{
		next:   next,
		ledger: ledger,
		logger: logger.Named("idempotent-updater"),
	}
}

var _ Updater = (*IdempotentUpdater)(nil)

// Apply calls the wrapped updater unless the token was applied before.
// Ledger failures are retryable: applying without the ledger check could
// duplicate the update.
func (u *IdempotentUpdater) Apply(ctx context.Context, req UpdateRequest) error {
	applied, err := u.ledger.Applied(ctx, req.IdempotencyToken)
	if err != nil {
		return Retryable(fmt.Errorf("failed to check idempotency ledger: %w", err))
	}
	if applied {
		u.logger.Info("Update already applied, skipping call",
			zap.String("insight_id", req.InsightID.String()),
			zap.String("token", req.IdempotencyToken))
		return nil
	}

	if err := u.next.Apply(ctx, req); err != nil {
		return err
	}

	if err := u.ledger.Record(ctx, req.IdempotencyToken); err != nil {
		// The update is applied; the upstream token still protects a retry.
		u.logger.Warn("Failed to record applied update",
			zap.String("insight_id", req.InsightID.String()),
			zap.Error(err))
	}
	return nil
}

// RedisLedger keeps applied tokens in Redis with a TTL.
type RedisLedger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLedger creates a RedisLedger. Tokens expire after ttl.
func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, prefix: "ekaya-insights:applied:", ttl: ttl}
}

var _ Ledger = (*RedisLedger)(nil)

func (l *RedisLedger) Applied(ctx context.Context, token string) (bool, error) {
	n, err := l.client.Exists(ctx, l.prefix+token).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *RedisLedger) Record(ctx context.Context, token string) error {
	return l.client.SetNX(ctx, l.prefix+token, time.Now().UTC().Format(time.RFC3339), l.ttl).Err()
}

// MemoryLedger is a process-local Ledger for tests and --memory mode.
type MemoryLedger struct {
	mu     sync.Mutex
	tokens map[string]struct{}
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{tokens: make(map[string]struct{})}
}

var _ Ledger = (*MemoryLedger)(nil)

func (l *MemoryLedger) Applied(_ context.Context, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.tokens[token]
	return ok, nil
}

func (l *MemoryLedger) Record(_ context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[token] = struct{}{}
	return nil
}
