package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// TargetStore persists the last notification target per platform.
type TargetStore interface {
	LoadTarget(ctx context.Context, platform ChannelType) (Target, bool, error)
	SaveTarget(ctx context.Context, target Target) error
}

// NotificationSink remembers the last conversation that reached the bot so
// the host can push messages without a live inbound message.
type NotificationSink struct {
	platform ChannelType
	store    TargetStore
	logger   *slog.Logger

	mu     sync.RWMutex
	target *Target
}

// NewNotificationSink creates a sink. store may be nil for in-memory only.
func NewNotificationSink(platform ChannelType, store TargetStore, log *slog.Logger) *NotificationSink {
	if log == nil {
		log = slog.Default()
	}
	return &NotificationSink{
		platform: platform,
		store:    store,
		logger:   log.With(slog.String("component", "notify"), slog.String("channel", platform.String())),
	}
}

// Record stores target as the latest conversation and persists it best-effort.
func (n *NotificationSink) Record(ctx context.Context, target Target) {
	if target.IsZero() {
		return
	}
	if target.Platform == "" {
		target.Platform = n.platform
	}
	// notifications are new messages, never replies
	target.ReplyTo = ""
	n.mu.Lock()
	prev := n.target
	n.target = &target
	n.mu.Unlock()
	if n.store == nil || (prev != nil && sameTarget(*prev, target)) {
		return
	}
	if err := n.store.SaveTarget(ctx, target); err != nil {
		n.logger.Warn("persist notification target failed", slog.Any("error", err))
	}
}

// Target returns the last recorded target.
func (n *NotificationSink) Target() (Target, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.target == nil {
		return Target{}, false
	}
	return *n.target, true
}

// SetTarget replaces the target, persisting it when a store is configured.
func (n *NotificationSink) SetTarget(ctx context.Context, target Target) error {
	if target.IsZero() {
		return fmt.Errorf("conversation id is required")
	}
	if target.Platform == "" {
		target.Platform = n.platform
	}
	if target.Platform != n.platform {
		return fmt.Errorf("target platform %s does not match %s", target.Platform, n.platform)
	}
	n.mu.Lock()
	n.target = &target
	n.mu.Unlock()
	if n.store == nil {
		return nil
	}
	if err := n.store.SaveTarget(ctx, target); err != nil {
		return fmt.Errorf("persist notification target: %w", err)
	}
	return nil
}

// Restore loads a persisted target when none has been recorded yet.
func (n *NotificationSink) Restore(ctx context.Context) error {
	if n.store == nil {
		return nil
	}
	target, ok, err := n.store.LoadTarget(ctx, n.platform)
	if err != nil {
		return fmt.Errorf("load notification target: %w", err)
	}
	if !ok || target.IsZero() {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.target == nil {
		n.target = &target
	}
	return nil
}

func sameTarget(a, b Target) bool {
	if a.Platform != b.Platform || a.ConversationID != b.ConversationID || a.ReplyTo != b.ReplyTo {
		return false
	}
	if len(a.Metadata) != len(b.Metadata) {
		return false
	}
	for k, v := range a.Metadata {
		if b.Metadata[k] != v {
			return false
		}
	}
	return true
}
