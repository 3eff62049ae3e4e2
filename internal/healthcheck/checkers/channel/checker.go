package channelchecker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relaydesk/imgateway/internal/channel"
	"github.com/relaydesk/imgateway/internal/healthcheck"
)

const checkTypeChannelConnection = "channel.connection"

// StatusSource reads runtime gateway statuses.
type StatusSource interface {
	Statuses() []channel.Status
}

// Checker evaluates gateway connection health checks.
type Checker struct {
	logger *slog.Logger
	source StatusSource
}

// NewChecker creates a channel health checker.
func NewChecker(log *slog.Logger, source StatusSource) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger: log.With(slog.String("checker", "healthcheck_channel")),
		source: source,
	}
}

// ListChecks reports one result per configured gateway.
func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if ctx == nil {
		ctx = context.Background()
	}
	// Status reads are context-free; best effort early cancellation guard.
	if err := ctx.Err(); err != nil {
		return []healthcheck.CheckResult{}
	}
	if c.source == nil {
		c.logger.Warn("channel healthcheck dependency is unavailable")
		return []healthcheck.CheckResult{
			{
				ID:      checkTypeChannelConnection + ".service",
				Type:    checkTypeChannelConnection,
				Status:  healthcheck.StatusWarn,
				Summary: "Channel checker service is not available.",
				Detail:  "status source is nil",
			},
		}
	}

	statuses := c.source.Statuses()
	checks := make([]healthcheck.CheckResult, 0, len(statuses))
	for idx, status := range statuses {
		channelType := strings.TrimSpace(status.ChannelType.String())
		if channelType == "" {
			channelType = fmt.Sprintf("unknown_%d", idx+1)
		}
		item := healthcheck.CheckResult{
			ID:       checkTypeChannelConnection + "." + channelType,
			Type:     checkTypeChannelConnection,
			Subtitle: channelType,
			Status:   healthcheck.StatusError,
			Summary:  fmt.Sprintf("Channel %s connection is down.", channelType),
			Metadata: map[string]any{
				"channel_type": channelType,
				"connected":    status.Connected,
				"reconnecting": status.Reconnecting,
				"attempts":     status.Attempts,
			},
		}
		if status.StartedAt != nil {
			item.Metadata["started_at"] = status.StartedAt.UTC().Format(time.RFC3339)
		}
		if status.LastInboundAt != nil {
			item.Metadata["last_inbound_at"] = status.LastInboundAt.UTC().Format(time.RFC3339)
		}
		switch {
		case status.Connected:
			item.Status = healthcheck.StatusOK
			item.Summary = fmt.Sprintf("Channel %s is connected.", channelType)
		case status.Reconnecting:
			item.Status = healthcheck.StatusWarn
			item.Summary = fmt.Sprintf("Channel %s is reconnecting.", channelType)
			item.Detail = strings.TrimSpace(status.LastError)
		case strings.TrimSpace(status.LastError) != "":
			item.Summary = fmt.Sprintf("Channel %s connection failed.", channelType)
			item.Detail = strings.TrimSpace(status.LastError)
		}
		checks = append(checks, item)
	}
	return checks
}
