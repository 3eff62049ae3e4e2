package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSupervisorStartRejectsMissingCredentials(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sup := newTestSupervisor(t, transport, Options{})

	err := sup.Start(context.Background(), ChannelConfig{ChannelType: "fake"})
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if connects, _ := transport.counts(); connects != 0 {
		t.Fatalf("connect must not be attempted, got %d calls", connects)
	}
	if sup.IsConnected() {
		t.Fatal("supervisor should not be connected")
	}
	if sup.Status().LastError == "" {
		t.Fatal("expected last error to be recorded")
	}
}

func TestSupervisorStartAndStop(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sup := newTestSupervisor(t, transport, Options{})
	events, unsubscribe := sup.Subscribe(8)
	defer unsubscribe()

	if err := sup.Start(context.Background(), testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	status := sup.Status()
	if !status.Connected || status.StartedAt == nil {
		t.Fatalf("unexpected status after start: %+v", status)
	}
	if evt := <-events; evt.Type != EventConnected {
		t.Fatalf("expected connected event, got %s", evt.Type)
	}

	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if sup.IsConnected() {
		t.Fatal("expected disconnected after stop")
	}
	if evt := <-events; evt.Type != EventDisconnected {
		t.Fatalf("expected disconnected event, got %s", evt.Type)
	}
	if _, stops := transport.counts(); stops != 1 {
		t.Fatalf("expected one disconnect, got %d", stops)
	}
}

func TestSupervisorStopWhileStoppedIsNoop(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sup := newTestSupervisor(t, transport, Options{})
	for i := 0; i < 3; i++ {
		if err := sup.Stop(context.Background()); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
	}
	if _, stops := transport.counts(); stops != 0 {
		t.Fatalf("expected no disconnects, got %d", stops)
	}
}

func TestSupervisorRestartStopsPreviousConnection(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sup := newTestSupervisor(t, transport, Options{})
	ctx := context.Background()
	if err := sup.Start(ctx, testConfig()); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := sup.Start(ctx, testConfig()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	connects, stops := transport.counts()
	if connects != 2 || stops != 1 {
		t.Fatalf("expected 2 connects and 1 stop, got %d/%d", connects, stops)
	}
}

func TestSupervisorStartFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.connectErr = errors.New("login rejected")
	observer := &countingObserver{}
	sup := newTestSupervisor(t, transport, Options{Observer: observer})

	err := sup.Start(context.Background(), testConfig())
	if err == nil {
		t.Fatal("expected connect error")
	}
	time.Sleep(20 * time.Millisecond)
	if connects, _ := transport.counts(); connects != 1 {
		t.Fatalf("start must not retry, got %d connects", connects)
	}
	if observer.reconnectCount() != 0 {
		t.Fatal("start failure must not schedule a reconnect")
	}
}

func TestSupervisorFailedRestartDisarmsHealthChecks(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	observer := &countingObserver{}
	sup := newTestSupervisor(t, transport, Options{Observer: observer, HealthInterval: 20 * time.Millisecond})
	ctx := context.Background()
	if err := sup.Start(ctx, testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}

	transport.setConnectErr(errors.New("token revoked"))
	if err := sup.Start(ctx, testConfig()); err == nil {
		t.Fatal("expected restart to fail")
	}
	time.Sleep(200 * time.Millisecond)

	if connects, stops := transport.counts(); connects != 2 || stops != 1 {
		t.Fatalf("failed restart must not be retried, got %d connects %d stops", connects, stops)
	}
	if observer.reconnectCount() != 0 {
		t.Fatalf("expected no reconnects, got %d", observer.reconnectCount())
	}
	if sup.Status().Reconnecting || sup.IsConnected() {
		t.Fatalf("unexpected status: %+v", sup.Status())
	}
}

func TestSupervisorHealthCheckReconnectsSilentConnection(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	clock := newFakeClock()
	observer := &countingObserver{}
	sup := newTestSupervisor(t, transport, Options{Now: clock.Now, Observer: observer})
	ctx := context.Background()
	if err := sup.Start(ctx, testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	transport.deliver(RawInboundEvent{MessageID: "m0", ConversationID: "c1", Content: "hi"})
	waitFor(t, "inbound recorded", func() bool { return sup.Status().LastInboundAt != nil })

	clock.Advance(70 * time.Second)
	if err := sup.call(ctx, command{kind: cmdHealth}); err != nil {
		t.Fatalf("health check: %v", err)
	}

	waitFor(t, "reconnect", func() bool {
		connects, stops := transport.counts()
		return connects == 2 && stops == 1
	})
	time.Sleep(20 * time.Millisecond)
	connects, stops := transport.counts()
	if connects != 2 || stops != 1 {
		t.Fatalf("expected exactly one stop+start, got %d connects %d stops", connects, stops)
	}
	if observer.reconnectCount() != 1 {
		t.Fatalf("expected one reconnect, got %d", observer.reconnectCount())
	}
	if !sup.IsConnected() {
		t.Fatal("expected connected after reconnect")
	}
}

func TestSupervisorHealthCheckWithinThresholdIsQuiet(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	clock := newFakeClock()
	sup := newTestSupervisor(t, transport, Options{Now: clock.Now})
	ctx := context.Background()
	if err := sup.Start(ctx, testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	clock.Advance(30 * time.Second)
	if err := sup.call(ctx, command{kind: cmdHealth}); err != nil {
		t.Fatalf("health check: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if connects, _ := transport.counts(); connects != 1 {
		t.Fatalf("expected no reconnect, got %d connects", connects)
	}
}

func TestSupervisorHealthCheckDetectsDeadConnection(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sup := newTestSupervisor(t, transport, Options{})
	ctx := context.Background()
	if err := sup.Start(ctx, testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	transport.mu.Lock()
	transport.conn.MarkDead()
	transport.mu.Unlock()

	if err := sup.call(ctx, command{kind: cmdHealth}); err != nil {
		t.Fatalf("health check: %v", err)
	}
	waitFor(t, "reconnect", func() bool {
		connects, _ := transport.counts()
		return connects == 2
	})
}

func TestSupervisorStopCancelsPendingReconnect(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	clock := newFakeClock()
	sup := newTestSupervisor(t, transport, Options{Now: clock.Now, ReconnectDelay: 200 * time.Millisecond})
	ctx := context.Background()
	if err := sup.Start(ctx, testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if err := sup.call(ctx, command{kind: cmdHealth}); err != nil {
		t.Fatalf("health check: %v", err)
	}
	if !sup.Status().Reconnecting {
		t.Fatal("expected reconnect to be pending")
	}
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	time.Sleep(400 * time.Millisecond)
	if connects, _ := transport.counts(); connects != 1 {
		t.Fatalf("pending reconnect should be cancelled, got %d connects", connects)
	}
	if sup.Status().Reconnecting {
		t.Fatal("reconnecting flag should be cleared")
	}
}

func TestSupervisorSingleReconnectInFlight(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	clock := newFakeClock()
	observer := &countingObserver{}
	sup := newTestSupervisor(t, transport, Options{Now: clock.Now, Observer: observer, ReconnectDelay: 100 * time.Millisecond})
	ctx := context.Background()
	if err := sup.Start(ctx, testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	clock.Advance(2 * time.Minute)
	for i := 0; i < 5; i++ {
		if err := sup.call(ctx, command{kind: cmdHealth}); err != nil {
			t.Fatalf("health check: %v", err)
		}
		sup.ReconnectIfNeeded()
	}
	waitFor(t, "reconnect", func() bool {
		connects, _ := transport.counts()
		return connects == 2
	})
	time.Sleep(150 * time.Millisecond)
	if got := observer.reconnectCount(); got != 1 {
		t.Fatalf("expected a single reconnect, got %d", got)
	}
}

func TestSupervisorReconnectIfNeededRestartsWithSavedConfig(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sup := newTestSupervisor(t, transport, Options{})
	ctx := context.Background()

	sup.ReconnectIfNeeded()
	time.Sleep(20 * time.Millisecond)
	if connects, _ := transport.counts(); connects != 0 {
		t.Fatal("reconnect without a saved config must be a no-op")
	}

	if err := sup.Start(ctx, testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	sup.ReconnectIfNeeded()
	time.Sleep(20 * time.Millisecond)
	if connects, _ := transport.counts(); connects != 1 {
		t.Fatal("reconnect while connected must be a no-op")
	}

	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	sup.ReconnectIfNeeded()
	waitFor(t, "restart", sup.IsConnected)
	if connects, _ := transport.counts(); connects != 2 {
		t.Fatalf("expected restart with saved config, got %d connects", connects)
	}
}

func TestSupervisorReconnectFailureKeepsRetrying(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sup := newTestSupervisor(t, transport, Options{})
	ctx := context.Background()
	if err := sup.Start(ctx, testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	transport.setConnectErr(errors.New("network down"))
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	sup.ReconnectIfNeeded()
	waitFor(t, "failed attempt", func() bool { return sup.Status().Attempts == 1 })

	transport.setConnectErr(nil)
	if err := sup.call(ctx, command{kind: cmdHealth}); err != nil {
		t.Fatalf("health check: %v", err)
	}
	waitFor(t, "recovery", sup.IsConnected)
	if sup.Status().Attempts != 0 {
		t.Fatal("attempts should reset after a successful reconnect")
	}
}

func TestSupervisorDropsUnmentionedGroupMessages(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.policy = Policy{RequireMention: true}
	sup := newTestSupervisor(t, transport, Options{})
	var calls atomic.Int32
	received := make(chan Message, 1)
	sup.SetMessageHandler(func(_ context.Context, msg Message, _ ReplyFunc) error {
		calls.Add(1)
		received <- msg
		return nil
	})
	if err := sup.Start(context.Background(), testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}

	transport.deliver(RawInboundEvent{MessageID: "g1", ConversationID: "room", ChatType: ChatTypeGroup, Content: "hello all"})
	transport.deliver(RawInboundEvent{
		MessageID: "g2", ConversationID: "room", ChatType: ChatTypeGroup,
		Content: "@bot hello", Mentioned: true, MentionTokens: []string{"@bot"},
	})

	select {
	case msg := <-received:
		if msg.MessageID != "g2" || msg.Content != "hello" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("mentioned message not delivered")
	}
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("expected one callback, got %d", calls.Load())
	}
}

func TestSupervisorDeduplicatesBeforeAck(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	observer := &countingObserver{}
	sup := newTestSupervisor(t, transport, Options{Observer: observer})
	var calls, acks atomic.Int32
	sup.SetMessageHandler(func(context.Context, Message, ReplyFunc) error {
		calls.Add(1)
		return nil
	})
	if err := sup.Start(context.Background(), testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ev := RawInboundEvent{
		MessageID: "m1", ConversationID: "c1", Content: "ping",
		Ack: func() error { acks.Add(1); return nil },
	}
	transport.deliver(ev)
	transport.deliver(ev)

	waitFor(t, "callback", func() bool { return calls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 || acks.Load() != 1 {
		t.Fatalf("expected one callback and one ack, got %d/%d", calls.Load(), acks.Load())
	}
	if observer.outcome(InboundDuplicate) != 1 {
		t.Fatal("duplicate should be counted")
	}
}

func TestSupervisorSelfMessageNeverReachesHost(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.selfID = "bot"
	sup := newTestSupervisor(t, transport, Options{})
	var calls atomic.Int32
	sup.SetMessageHandler(func(context.Context, Message, ReplyFunc) error {
		calls.Add(1)
		return nil
	})
	if err := sup.Start(context.Background(), testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	transport.deliver(RawInboundEvent{MessageID: "m1", ConversationID: "c1", SenderID: "bot", Content: "echo"})
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("self message must be dropped")
	}
	if _, ok := sup.NotificationTarget(); ok {
		t.Fatal("self message must not set notification target")
	}
}

func TestSupervisorHandlerErrorIsReported(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "reply error message is shown",
			err:  fmt.Errorf("submit: %w", NewReplyError("backend unavailable", errors.New("status 502: upstream body"))),
			want: "Error: backend unavailable",
		},
		{
			name: "internal details stay in the log",
			err:  errors.New(`backend error (500): {"trace":"secret"}`),
			want: "Error: " + handlerFailedReply,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			transport := newFakeTransport()
			sup := newTestSupervisor(t, transport, Options{})
			sup.SetMessageHandler(func(context.Context, Message, ReplyFunc) error {
				return tt.err
			})
			if err := sup.Start(context.Background(), testConfig()); err != nil {
				t.Fatalf("start: %v", err)
			}
			transport.deliver(RawInboundEvent{MessageID: "m1", ConversationID: "c1", Content: "do it"})

			waitFor(t, "error reply", func() bool { return len(transport.sent()) == 1 })
			got := transport.sent()[0]
			if got.text != tt.want || got.target.ConversationID != "c1" {
				t.Fatalf("unexpected error reply: %+v", got)
			}
		})
	}
}

func TestSupervisorReplyUpdatesOutboundStatus(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sup := newTestSupervisor(t, transport, Options{})
	sup.SetMessageHandler(func(ctx context.Context, msg Message, reply ReplyFunc) error {
		return reply(ctx, "pong: "+msg.Content)
	})
	if err := sup.Start(context.Background(), testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	transport.deliver(RawInboundEvent{MessageID: "m1", ConversationID: "c1", Content: "ping"})

	waitFor(t, "reply", func() bool { return len(transport.sent()) == 1 })
	if transport.sent()[0].text != "pong: ping" {
		t.Fatalf("unexpected reply %q", transport.sent()[0].text)
	}
	waitFor(t, "outbound status", func() bool { return sup.Status().LastOutboundAt != nil })
}

func TestSupervisorSendNotificationWithoutConversation(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sup := newTestSupervisor(t, transport, Options{})
	if err := sup.Start(context.Background(), testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := sup.SendNotification(context.Background(), "scheduled result")
	if !errors.Is(err, ErrNoConversation) {
		t.Fatalf("expected ErrNoConversation, got %v", err)
	}
	if err.Error() != "no conversation available" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestSupervisorSendNotificationToLastConversation(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sup := newTestSupervisor(t, transport, Options{})
	if err := sup.Start(context.Background(), testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	transport.deliver(RawInboundEvent{MessageID: "m1", ConversationID: "c9", Content: "hi"})
	waitFor(t, "target", func() bool {
		_, ok := sup.NotificationTarget()
		return ok
	})
	if err := sup.SendNotification(context.Background(), "task done"); err != nil {
		t.Fatalf("send notification: %v", err)
	}
	sent := transport.sent()
	if len(sent) != 1 || sent[0].target.ConversationID != "c9" || sent[0].target.ReplyTo != "" {
		t.Fatalf("unexpected notification: %+v", sent)
	}
}

func TestSupervisorEventsStopAfterUnsubscribe(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sup := newTestSupervisor(t, transport, Options{})
	events, unsubscribe := sup.Subscribe(4)
	unsubscribe()
	unsubscribe()
	if _, ok := <-events; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	if err := sup.Start(context.Background(), testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestSupervisorConcurrentCallsSerialize(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	sup := newTestSupervisor(t, transport, Options{})
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = sup.Start(ctx, testConfig())
				return
			}
			_ = sup.Stop(ctx)
		}(i)
	}
	wg.Wait()
	connects, stops := transport.counts()
	live := connects - stops
	if live != 0 && live != 1 {
		t.Fatalf("at most one live connection expected, got connects=%d stops=%d", connects, stops)
	}
	if (live == 1) != sup.IsConnected() {
		t.Fatalf("status disagrees with connection count: live=%d connected=%v", live, sup.IsConnected())
	}
}

// blockingDownloader holds every download until release is closed.
type blockingDownloader struct {
	*fakeTransport
	started chan struct{}
	release chan struct{}
}

func (b *blockingDownloader) DownloadMedia(ctx context.Context, _ ChannelConfig, desc MediaDescriptor) (DownloadedMedia, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return DownloadedMedia{}, ctx.Err()
	}
	return DownloadedMedia{LocalPath: "/media/" + desc.Key, FileSize: 3, MimeType: "image/png"}, nil
}

func TestSupervisorSlowDownloadDoesNotBlockDelivery(t *testing.T) {
	t.Parallel()

	transport := &blockingDownloader{
		fakeTransport: newFakeTransport(),
		started:       make(chan struct{}, 2),
		release:       make(chan struct{}),
	}
	sup := newTestSupervisor(t, transport, Options{})
	var attachments atomic.Int32
	sup.SetMessageHandler(func(_ context.Context, msg Message, _ ReplyFunc) error {
		attachments.Add(int32(len(msg.Attachments)))
		return nil
	})
	if err := sup.Start(context.Background(), testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}

	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		transport.deliver(RawInboundEvent{
			MessageID: "m1", ConversationID: "c1", Kind: KindImage,
			Media: []MediaDescriptor{{Type: AttachmentImage, Key: "img-1"}},
		})
		transport.deliver(RawInboundEvent{MessageID: "m2", ConversationID: "c1", Content: "next"})
	}()
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("delivery blocked behind a media download")
	}
	select {
	case <-transport.started:
	case <-time.After(time.Second):
		t.Fatal("download never started")
	}
	if attachments.Load() != 0 {
		t.Fatal("handler ran before the download finished")
	}

	close(transport.release)
	waitFor(t, "attachment", func() bool { return attachments.Load() == 1 })
}

// flakyRefresher fails its first token refresh and succeeds afterwards.
type flakyRefresher struct {
	*fakeTransport
	calls atomic.Int32
}

func (f *flakyRefresher) RefreshToken(context.Context, ChannelConfig) error {
	if f.calls.Add(1) == 1 {
		return errors.New("token endpoint unavailable")
	}
	return nil
}

func TestSupervisorRefreshesTokenPeriodically(t *testing.T) {
	t.Parallel()

	transport := &flakyRefresher{fakeTransport: newFakeTransport()}
	sup := newTestSupervisor(t, transport, Options{TokenRefreshInterval: 10 * time.Millisecond})
	if err := sup.Start(context.Background(), testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "token refreshes", func() bool { return transport.calls.Load() >= 3 })
	status := sup.Status()
	if !status.Connected || status.Reconnecting {
		t.Fatalf("a failed refresh must not tear down the gateway: %+v", status)
	}
	if connects, _ := transport.counts(); connects != 1 {
		t.Fatalf("expected a single connect, got %d", connects)
	}

	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	calls := transport.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if transport.calls.Load() != calls {
		t.Fatal("token refresh continued after stop")
	}
}
