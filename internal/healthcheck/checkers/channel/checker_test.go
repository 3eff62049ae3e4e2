package channelchecker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/relaydesk/imgateway/internal/channel"
)

type fakeStatusSource struct {
	items []channel.Status
}

func (f *fakeStatusSource) Statuses() []channel.Status {
	return f.items
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheckerListChecks(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	checker := NewChecker(newTestLogger(), &fakeStatusSource{
		items: []channel.Status{
			{ChannelType: "discord", Connected: false, Reconnecting: true, Attempts: 2, LastError: "liveness timeout"},
			{ChannelType: "feishu", Connected: false, LastError: "connect timeout"},
			{ChannelType: "telegram", Connected: true, StartedAt: &now, LastInboundAt: &now},
		},
	})

	items := checker.ListChecks(context.Background())
	if len(items) != 3 {
		t.Fatalf("expected 3 checks, got %d", len(items))
	}
	want := map[string]string{
		"channel.connection.discord":  "warn",
		"channel.connection.feishu":   "error",
		"channel.connection.telegram": "ok",
	}
	for _, item := range items {
		if item.Status != want[item.ID] {
			t.Fatalf("%s: expected %s, got %s", item.ID, want[item.ID], item.Status)
		}
		if item.ID == "channel.connection.feishu" && item.Detail != "connect timeout" {
			t.Fatalf("unexpected detail: %s", item.Detail)
		}
		if item.ID == "channel.connection.telegram" && item.Metadata["started_at"] == nil {
			t.Fatalf("expected started_at metadata")
		}
	}
}

func TestCheckerNilSource(t *testing.T) {
	t.Parallel()

	checker := NewChecker(newTestLogger(), nil)
	items := checker.ListChecks(context.Background())
	if len(items) != 1 {
		t.Fatalf("expected service warning check, got %d", len(items))
	}
	if items[0].Status != "warn" {
		t.Fatalf("expected warn status, got %s", items[0].Status)
	}
}

func TestCheckerCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker := NewChecker(newTestLogger(), &fakeStatusSource{items: []channel.Status{{ChannelType: "telegram"}}})
	if items := checker.ListChecks(ctx); len(items) != 0 {
		t.Fatalf("expected no checks, got %d", len(items))
	}
}
