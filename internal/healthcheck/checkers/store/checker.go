package storechecker

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaydesk/imgateway/internal/healthcheck"
)

const (
	checkTypeStore      = "store.sqlite"
	defaultCheckTimeout = 3 * time.Second
)

// Pinger probes the persistence layer.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker reports whether the target store is reachable.
type Checker struct {
	logger  *slog.Logger
	store   Pinger
	timeout time.Duration
}

// NewChecker creates a store health checker.
func NewChecker(log *slog.Logger, store Pinger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:  log.With(slog.String("checker", "healthcheck_store")),
		store:   store,
		timeout: defaultCheckTimeout,
	}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.store == nil {
		return []healthcheck.CheckResult{{
			ID:      checkTypeStore,
			Type:    checkTypeStore,
			Status:  healthcheck.StatusWarn,
			Summary: "Store is not configured; notification targets are kept in memory.",
		}}
	}
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	if err := c.store.Ping(probeCtx); err != nil {
		c.logger.Warn("store healthcheck failed", slog.Any("error", err))
		return []healthcheck.CheckResult{{
			ID:      checkTypeStore,
			Type:    checkTypeStore,
			Status:  healthcheck.StatusError,
			Summary: "Store is unreachable.",
			Detail:  err.Error(),
		}}
	}
	return []healthcheck.CheckResult{{
		ID:       checkTypeStore,
		Type:     checkTypeStore,
		Status:   healthcheck.StatusOK,
		Summary:  "Store is reachable.",
		Metadata: map[string]any{"latency_ms": time.Since(started).Milliseconds()},
	}}
}
