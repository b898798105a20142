// internal/escrow/gateway.go
package escrow

import (
	"context"
	"fmt"
	"time"

	"shiftmatch/internal/common/logger"

	"github.com/redis/go-redis/v9"
)

// Gateway is the payment-provider boundary. Every call carries an
// idempotency key of the form "<assignmentID>:<operation>" so a retried
// call after a crash or timeout cannot move money twice.
type Gateway interface {
	Hold(ctx context.Context, idempotencyKey string, amountMinor int64, currency string) error
	Release(ctx context.Context, idempotencyKey string, amountMinor int64, currency string) error
	Refund(ctx context.Context, idempotencyKey string, amountMinor int64, currency string) error
}

func holdKey(assignmentID string) string    { return assignmentID + ":hold" }
func releaseKey(assignmentID string) string { return assignmentID + ":release" }
func refundKey(assignmentID string) string  { return assignmentID + ":refund" }

// SandboxGateway accepts every operation. Used in development and tests;
// production wires the provider's client behind the same interface.
type SandboxGateway struct {
	logger logger.Logger
}

func NewSandboxGateway(log logger.Logger) *SandboxGateway {
	return &SandboxGateway{logger: log.WithFields(map[string]interface{}{"component": "escrow-gateway"})}
}

func (g *SandboxGateway) Hold(_ context.Context, key string, amountMinor int64, currency string) error {
	g.logger.Info("sandbox hold", map[string]interface{}{"key": key, "amountMinor": amountMinor, "currency": currency})
	return nil
}

func (g *SandboxGateway) Release(_ context.Context, key string, amountMinor int64, currency string) error {
	g.logger.Info("sandbox release", map[string]interface{}{"key": key, "amountMinor": amountMinor, "currency": currency})
	return nil
}

func (g *SandboxGateway) Refund(_ context.Context, key string, amountMinor int64, currency string) error {
	g.logger.Info("sandbox refund", map[string]interface{}{"key": key, "amountMinor": amountMinor, "currency": currency})
	return nil
}

const gatewayDedupTTL = 7 * 24 * time.Hour

// IdempotentGateway wraps a Gateway with a Redis dedup layer so that
// ledger retries after partial failures (call sent, CAS lost) do not
// reach the provider a second time. The provider's own idempotency key
// remains the source of truth; this layer only saves round trips.
type IdempotentGateway struct {
	inner  Gateway
	redis  *redis.Client
	logger logger.Logger
}

func NewIdempotentGateway(inner Gateway, rdb *redis.Client, log logger.Logger) *IdempotentGateway {
	return &IdempotentGateway{
		inner:  inner,
		redis:  rdb,
		logger: log.WithFields(map[string]interface{}{"component": "escrow-gateway-dedup"}),
	}
}

func (g *IdempotentGateway) Hold(ctx context.Context, key string, amountMinor int64, currency string) error {
	return g.once(ctx, key, func() error { return g.inner.Hold(ctx, key, amountMinor, currency) })
}

func (g *IdempotentGateway) Release(ctx context.Context, key string, amountMinor int64, currency string) error {
	return g.once(ctx, key, func() error { return g.inner.Release(ctx, key, amountMinor, currency) })
}

func (g *IdempotentGateway) Refund(ctx context.Context, key string, amountMinor int64, currency string) error {
	return g.once(ctx, key, func() error { return g.inner.Refund(ctx, key, amountMinor, currency) })
}

func (g *IdempotentGateway) once(ctx context.Context, key string, fn func() error) error {
	dedupKey := "escrow:gateway:" + key
	set, err := g.redis.SetNX(ctx, dedupKey, time.Now().UTC().Format(time.RFC3339), gatewayDedupTTL).Result()
	if err != nil {
		// dedup is an optimization; fall through to the provider, whose
		// idempotency key makes the duplicate call safe
		g.logger.Warn("gateway dedup unavailable", map[string]interface{}{"key": key, "error": err})
		set = true
	}
	if !set {
		g.logger.Debug("suppressed duplicate gateway call", map[string]interface{}{"key": key})
		return nil
	}
	if err := fn(); err != nil {
		// let a retry reach the provider again
		if delErr := g.redis.Del(ctx, dedupKey).Err(); delErr != nil {
			g.logger.Warn("failed to clear gateway dedup key", map[string]interface{}{"key": key, "error": delErr})
		}
		return fmt.Errorf("gateway %s: %w", key, err)
	}
	return nil
}
