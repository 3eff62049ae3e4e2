package channel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndParse(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.NoError(t, registry.Register(newFakeTransport()))
	assert.Error(t, registry.Register(newFakeTransport()), "duplicate registration")
	assert.Error(t, registry.Register(nil))

	ct, err := registry.ParseChannelType("  FAKE ")
	require.NoError(t, err)
	assert.Equal(t, ChannelType("fake"), ct)

	_, err = registry.ParseChannelType("unknown")
	assert.Error(t, err)

	assert.Empty(t, registry.Capabilities("fake"))
	assert.Nil(t, registry.Capabilities("unknown"))
}

func TestManagerStartAllSkipsDisabled(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	enabled := newFakeTransport()
	disabled := newFakeTransport()
	disabled.channelType = "other"
	registry.MustRegister(enabled)
	registry.MustRegister(disabled)

	manager := NewManager(discardLogger(), registry, Options{HealthInterval: time.Hour})
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	_, err := manager.Configure(testConfig())
	require.NoError(t, err)
	off := testConfig()
	off.ChannelType = "other"
	off.Enabled = false
	_, err = manager.Configure(off)
	require.NoError(t, err)

	require.NoError(t, manager.StartAll(context.Background()))
	connects, _ := enabled.counts()
	assert.Equal(t, 1, connects)
	connects, _ = disabled.counts()
	assert.Equal(t, 0, connects)

	statuses := manager.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, ChannelType("fake"), statuses[0].ChannelType)
	assert.True(t, statuses[0].Connected)
	assert.False(t, statuses[1].Connected)

	require.NoError(t, manager.StopAll(context.Background()))
	_, stops := enabled.counts()
	assert.Equal(t, 1, stops)
}

func TestManagerStartAllReportsFailure(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	broken := newFakeTransport()
	broken.connectErr = errors.New("bad token")
	registry.MustRegister(broken)
	manager := NewManager(discardLogger(), registry, Options{HealthInterval: time.Hour})
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	_, err := manager.Configure(testConfig())
	require.NoError(t, err)
	err = manager.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad token")
}

func TestManagerMiddlewareWrapsHandler(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	transport := newFakeTransport()
	registry.MustRegister(transport)
	manager := NewManager(discardLogger(), registry, Options{HealthInterval: time.Hour})
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	var order []string
	var done atomic.Bool
	manager.Use(func(next MessageHandler) MessageHandler {
		return func(ctx context.Context, msg Message, reply ReplyFunc) error {
			order = append(order, "mw")
			return next(ctx, msg, reply)
		}
	})
	manager.SetMessageHandler(func(context.Context, Message, ReplyFunc) error {
		order = append(order, "handler")
		done.Store(true)
		return nil
	})
	_, err := manager.Configure(testConfig())
	require.NoError(t, err)
	require.NoError(t, manager.Start(context.Background(), "fake"))

	transport.deliver(RawInboundEvent{MessageID: "m1", ConversationID: "c", Content: "x"})
	waitFor(t, "handler", done.Load)
	assert.Equal(t, []string{"mw", "handler"}, order)
}

func TestManagerUnknownChannel(t *testing.T) {
	t.Parallel()

	manager := NewManager(discardLogger(), NewRegistry(), Options{})
	_, err := manager.Configure(ChannelConfig{ChannelType: "nope"})
	assert.Error(t, err)
	assert.Error(t, manager.Start(context.Background(), "nope"))
}

func TestReconnectBackOffSchedules(t *testing.T) {
	t.Parallel()

	fixed := NewReconnectBackOff(ReconnectFixed, 3*time.Second, 30*time.Second)
	for i := 0; i < 4; i++ {
		assert.Equal(t, 3*time.Second, nextDelay(fixed, 30*time.Second))
	}

	exp := NewReconnectBackOff(ReconnectExponential, 3*time.Second, 30*time.Second)
	want := []time.Duration{3 * time.Second, 6 * time.Second, 12 * time.Second, 24 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, nextDelay(exp, 30*time.Second), "attempt %d", i)
	}
	exp.Reset()
	assert.Equal(t, 3*time.Second, nextDelay(exp, 30*time.Second))
}
