package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type sentText struct {
	target Target
	text   string
	hint   RenderHint
}

type fakeTransport struct {
	channelType ChannelType
	policy      Policy
	selfID      string
	connectErr  error
	sendErr     error

	mu           sync.Mutex
	connectCalls int
	stopCalls    int
	handler      EventHandler
	conn         *BaseConnection
	texts        []sentText
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{channelType: ChannelType("fake")}
}

func (f *fakeTransport) Type() ChannelType { return f.channelType }

func (f *fakeTransport) Policy() Policy { return f.policy }

func (f *fakeTransport) Connect(_ context.Context, cfg ChannelConfig, handler EventHandler) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	f.handler = handler
	conn := NewConnection(cfg, func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.stopCalls++
		return errors.New("disconnect errors are swallowed")
	})
	conn.SetSelfID(f.selfID)
	f.conn = conn
	return conn, nil
}

func (f *fakeTransport) SendText(_ context.Context, _ ChannelConfig, target Target, text string, hint RenderHint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.texts = append(f.texts, sentText{target: target, text: text, hint: hint})
	return nil
}

func (f *fakeTransport) setConnectErr(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) counts() (connects, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls, f.stopCalls
}

func (f *fakeTransport) sent() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.texts...)
}

func (f *fakeTransport) deliver(ev RawInboundEvent) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	handler(context.Background(), ev)
}

// fakeMediaTransport adds upload support.
type fakeMediaTransport struct {
	*fakeTransport
	uploadErr error

	mediaMu  sync.Mutex
	uploads  []string
	mediaOut []MediaRef
}

func (f *fakeMediaTransport) UploadMedia(_ context.Context, _ ChannelConfig, localPath string, mediaType MarkerType, name string) (MediaRef, error) {
	f.mediaMu.Lock()
	defer f.mediaMu.Unlock()
	f.uploads = append(f.uploads, localPath)
	if f.uploadErr != nil {
		return MediaRef{}, f.uploadErr
	}
	return MediaRef{Key: "key-" + name, Type: mediaType, Name: name, Path: localPath}, nil
}

func (f *fakeMediaTransport) SendMedia(_ context.Context, _ ChannelConfig, _ Target, ref MediaRef) error {
	f.mediaMu.Lock()
	defer f.mediaMu.Unlock()
	f.mediaOut = append(f.mediaOut, ref)
	return nil
}

func (f *fakeMediaTransport) sentMedia() []MediaRef {
	f.mediaMu.Lock()
	defer f.mediaMu.Unlock()
	return append([]MediaRef(nil), f.mediaOut...)
}

type countingObserver struct {
	nopObserver
	mu         sync.Mutex
	reconnects int
	inbound    map[string]int
}

func (o *countingObserver) ReconnectScheduled(ChannelType) {
	o.mu.Lock()
	o.reconnects++
	o.mu.Unlock()
}

func (o *countingObserver) InboundEvent(_ ChannelType, outcome string) {
	o.mu.Lock()
	if o.inbound == nil {
		o.inbound = map[string]int{}
	}
	o.inbound[outcome]++
	o.mu.Unlock()
}

func (o *countingObserver) reconnectCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reconnects
}

func (o *countingObserver) outcome(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inbound[name]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() ChannelConfig {
	return ChannelConfig{ChannelType: "fake", Enabled: true, Credentials: map[string]any{"token": "t"}}
}

func newTestSupervisor(t *testing.T, transport Transport, opts Options) *Supervisor {
	t.Helper()
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = time.Millisecond
	}
	if opts.HealthInterval == 0 {
		opts.HealthInterval = time.Hour
	}
	sup, err := NewSupervisor(transport, opts, discardLogger())
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	t.Cleanup(sup.Close)
	return sup
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
