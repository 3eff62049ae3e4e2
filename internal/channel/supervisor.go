package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultHealthInterval       = 10 * time.Second
	DefaultLivenessThreshold    = 60 * time.Second
	DefaultTokenRefreshInterval = time.Hour
	defaultConnectTimeout       = 30 * time.Second
)

// MessageHandler is the host callback for a normalized inbound message.
// Returned errors are reported back to the originating conversation.
type MessageHandler func(ctx context.Context, msg Message, reply ReplyFunc) error

// ReplyFunc sends reply text, including media markers, to the conversation a message came from.
type ReplyFunc func(ctx context.Context, text string) error

// ActivityReporter is implemented by connections that observe transport-level
// traffic (pings, heartbeats). That traffic counts toward liveness.
type ActivityReporter interface {
	LastActivity() time.Time
}

// Options tunes a Supervisor. Zero values take the package defaults.
type Options struct {
	HealthInterval       time.Duration
	LivenessThreshold    time.Duration
	TokenRefreshInterval time.Duration
	ReconnectDelay       time.Duration
	ReconnectCeiling     time.Duration
	ConnectTimeout       time.Duration
	SendTimeout          time.Duration
	UploadTimeout        time.Duration
	DownloadTimeout      time.Duration
	DedupTTL             time.Duration
	DedupCapacity        int
	Store                TargetStore
	Observer             Observer
	Now                  func() time.Time
}

func (o Options) withDefaults() Options {
	if o.HealthInterval <= 0 {
		o.HealthInterval = DefaultHealthInterval
	}
	if o.LivenessThreshold <= 0 {
		o.LivenessThreshold = DefaultLivenessThreshold
	}
	if o.TokenRefreshInterval <= 0 {
		o.TokenRefreshInterval = DefaultTokenRefreshInterval
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.ReconnectCeiling <= 0 {
		o.ReconnectCeiling = DefaultReconnectCeiling
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = defaultSendTimeout
	}
	if o.UploadTimeout <= 0 {
		o.UploadTimeout = defaultUploadTimeout
	}
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = defaultDownloadTimeout
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = DefaultDedupTTL
	}
	if o.DedupCapacity <= 0 {
		o.DedupCapacity = DefaultDedupCapacity
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdReconnectIfNeeded
	cmdHealth
	cmdTokenRefresh
	cmdReconnectFire
	cmdInbound
	cmdOutbound
)

type command struct {
	kind  cmdKind
	ctx   context.Context
	cfg   ChannelConfig
	gen   uint64
	at    time.Time
	reply chan error
}

// session binds one successful connect to the config it was opened with.
type session struct {
	cfg ChannelConfig
	gen uint64

	mu   sync.RWMutex
	conn Connection
}

func (s *session) connection() Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *session) setConnection(conn Connection) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// Supervisor owns one adapter instance: lifecycle, liveness, token refresh,
// reconnection, and the inbound and outbound pipelines around it.
//
// All connection state is owned by a single goroutine. Public methods send
// commands to it; Status reads a published snapshot and never blocks.
type Supervisor struct {
	transport Transport
	policy    Policy
	opts      Options
	logger    *slog.Logger
	observer  Observer
	dedup     *DedupCache
	sink      *NotificationSink
	events    *eventHub

	cmds       chan command
	done       chan struct{}
	exited     chan struct{}
	closeOnce  sync.Once
	baseCtx    context.Context
	baseCancel context.CancelFunc

	handlerMu sync.RWMutex
	handler   MessageHandler

	current  atomic.Pointer[session]
	snapshot atomic.Pointer[Status]

	// owned by the run goroutine
	cfg           *ChannelConfig
	conn          Connection
	status        Status
	gen           uint64
	timerGen      uint64
	timersStop    context.CancelFunc
	stopping      bool
	reconnecting  bool
	reconnectGen  uint64
	reconnectStop context.CancelFunc
	lastMessageAt time.Time
	attempts      int
	backoff       backoff.BackOff
}

// NewSupervisor creates a stopped supervisor for transport and starts its run loop.
func NewSupervisor(transport Transport, opts Options, log *slog.Logger) (*Supervisor, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is nil")
	}
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	dedup, err := NewDedupCache(opts.DedupTTL, opts.DedupCapacity)
	if err != nil {
		return nil, err
	}
	dedup.now = opts.Now
	policy := NormalizePolicy(transport.Policy())
	platform := transport.Type()
	logger := log.With(slog.String("component", "gateway"), slog.String("channel", platform.String()))
	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Supervisor{
		transport:  transport,
		policy:     policy,
		opts:       opts,
		logger:     logger,
		observer:   opts.Observer,
		dedup:      dedup,
		sink:       NewNotificationSink(platform, opts.Store, log),
		cmds:       make(chan command, 128),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		status:     Status{ChannelType: platform},
		backoff:    NewReconnectBackOff(policy.Reconnect, opts.ReconnectDelay, opts.ReconnectCeiling),
	}
	s.events = newEventHub(func() { s.observer.EventDropped(platform) })
	s.publish()
	go s.run()
	return s, nil
}

// Type returns the platform this supervisor serves.
func (s *Supervisor) Type() ChannelType {
	return s.transport.Type()
}

// Policy returns the normalized platform policy.
func (s *Supervisor) Policy() Policy {
	return s.policy
}

// Start connects with cfg. A running connection is fully stopped first.
// Configuration and connect errors are returned and never retried from here.
func (s *Supervisor) Start(ctx context.Context, cfg ChannelConfig) error {
	return s.call(ctx, command{kind: cmdStart, cfg: cfg})
}

// Stop disconnects and cancels timers and any pending reconnect. It is a no-op when stopped.
// The last config is kept for ReconnectIfNeeded.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.call(ctx, command{kind: cmdStop})
}

// ReconnectIfNeeded schedules an immediate reconnect with the saved config
// unless a connection is already active. Use it for external liveness signals
// such as the OS reporting the network back online.
func (s *Supervisor) ReconnectIfNeeded() {
	s.post(context.Background(), command{kind: cmdReconnectIfNeeded})
}

// Status returns the latest status snapshot.
func (s *Supervisor) Status() Status {
	if st := s.snapshot.Load(); st != nil {
		return *st
	}
	return Status{ChannelType: s.transport.Type()}
}

// IsConnected reports whether a connection is active.
func (s *Supervisor) IsConnected() bool {
	return s.Status().Connected
}

// SetMessageHandler installs the host callback. nil disables delivery.
func (s *Supervisor) SetMessageHandler(handler MessageHandler) {
	s.handlerMu.Lock()
	s.handler = handler
	s.handlerMu.Unlock()
}

func (s *Supervisor) messageHandler() MessageHandler {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	return s.handler
}

// Subscribe returns a channel of events and a func that unsubscribes and closes it.
func (s *Supervisor) Subscribe(buffer int) (<-chan Event, func()) {
	return s.events.subscribe(buffer)
}

// Close stops the connection and terminates the run loop. Subscriptions are closed.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	<-s.exited
}

// SendReply delivers text, and the local media its markers reference, to target.
func (s *Supervisor) SendReply(ctx context.Context, target Target, text string) error {
	sess := s.current.Load()
	if sess == nil {
		return ErrNotConnected
	}
	return s.delivery(sess).sendReply(ctx, target, text)
}

// SendNotification sends text to the last active conversation.
func (s *Supervisor) SendNotification(ctx context.Context, text string) error {
	target, ok := s.sink.Target()
	if !ok {
		return ErrNoConversation
	}
	sess := s.current.Load()
	if sess == nil {
		return ErrNotConnected
	}
	return s.delivery(sess).sendText(ctx, target, text)
}

// SendNotificationWithMedia is SendNotification with media marker delivery.
func (s *Supervisor) SendNotificationWithMedia(ctx context.Context, text string) error {
	target, ok := s.sink.Target()
	if !ok {
		return ErrNoConversation
	}
	return s.SendReply(ctx, target, text)
}

// NotificationTarget returns the last active conversation, for persistence.
func (s *Supervisor) NotificationTarget() (Target, bool) {
	return s.sink.Target()
}

// SetNotificationTarget restores a conversation target, typically from persistence.
func (s *Supervisor) SetNotificationTarget(ctx context.Context, target Target) error {
	return s.sink.SetTarget(ctx, target)
}

// RestoreNotificationTarget loads the persisted target, if any.
func (s *Supervisor) RestoreNotificationTarget(ctx context.Context) error {
	return s.sink.Restore(ctx)
}

func (s *Supervisor) delivery(sess *session) delivery {
	platform := s.transport.Type()
	gen := sess.gen
	return delivery{
		transport:     s.transport,
		cfg:           sess.cfg,
		policy:        s.policy,
		logger:        s.logger,
		sendTimeout:   s.opts.SendTimeout,
		uploadTimeout: s.opts.UploadTimeout,
		onSent: func() {
			s.observer.OutboundSent(platform, "text", true)
			s.post(s.baseCtx, command{kind: cmdOutbound, gen: gen, at: s.opts.Now()})
		},
		onMedia: func(ok bool) {
			s.observer.OutboundSent(platform, "media", ok)
		},
	}
}

func (s *Supervisor) call(ctx context.Context, cmd command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.ctx = ctx
	cmd.reply = make(chan error, 1)
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrSupervisorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.exited:
		return ErrSupervisorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) post(ctx context.Context, cmd command) {
	if cmd.ctx == nil {
		cmd.ctx = s.baseCtx
	}
	select {
	case s.cmds <- cmd:
	case <-s.done:
	case <-ctx.Done():
	}
}

func (s *Supervisor) run() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			s.shutdown()
			return
		case cmd := <-s.cmds:
			s.handle(cmd)
		}
	}
}

func (s *Supervisor) handle(cmd command) {
	var err error
	switch cmd.kind {
	case cmdStart:
		s.stopping = false
		s.cancelReconnect()
		// A commanded start that fails leaves the gateway down with no
		// ticks, so nothing retries it until a reconnect is requested.
		if err = s.doStart(cmd.ctx, cmd.cfg); err == nil {
			s.armTimers()
		} else {
			s.disarmTimers()
		}
	case cmdStop:
		s.stopping = true
		s.cancelReconnect()
		s.disarmTimers()
		s.doStop(cmd.ctx)
	case cmdReconnectIfNeeded:
		s.reconnectIfNeeded()
	case cmdHealth:
		if cmd.gen == 0 || cmd.gen == s.timerGen {
			s.checkHealth()
		}
	case cmdTokenRefresh:
		if cmd.gen == s.timerGen {
			s.refreshToken()
		}
	case cmdReconnectFire:
		s.fireReconnect(cmd.gen)
	case cmdInbound:
		if cmd.gen == s.gen && s.conn != nil {
			at := cmd.at
			s.status.LastInboundAt = &at
			s.publish()
		}
	case cmdOutbound:
		if cmd.gen == s.gen {
			at := cmd.at
			s.status.LastOutboundAt = &at
			s.publish()
		}
	}
	if cmd.reply != nil {
		cmd.reply <- err
	}
}

func (s *Supervisor) doStart(ctx context.Context, cfg ChannelConfig) error {
	platform := s.transport.Type()
	if cfg.ChannelType == "" {
		cfg.ChannelType = platform
	}
	if err := s.validate(cfg); err != nil {
		s.fail(err)
		return err
	}
	if s.conn != nil {
		s.doStop(ctx)
	}
	saved := cfg
	s.cfg = &saved
	s.gen++
	sess := &session{cfg: cfg, gen: s.gen}

	connectCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()
	conn, err := s.transport.Connect(connectCtx, cfg, func(evCtx context.Context, ev RawInboundEvent) {
		s.handleEvent(evCtx, sess, ev)
	})
	if err != nil {
		err = fmt.Errorf("connect %s: %w", platform, err)
		s.conn = nil
		s.current.Store(nil)
		s.status.Connected = false
		s.status.StartedAt = nil
		s.observer.ConnectionState(platform, false)
		s.fail(err)
		return err
	}
	sess.setConnection(conn)
	s.conn = conn
	s.current.Store(sess)

	now := s.opts.Now()
	s.lastMessageAt = now
	s.attempts = 0
	s.backoff.Reset()
	s.status.Connected = true
	s.status.StartedAt = &now
	s.status.LastError = ""
	s.status.LastInboundAt = nil
	s.status.Attempts = 0
	s.publish()
	s.observer.ConnectionState(platform, true)
	s.logger.Info("gateway connected")
	s.events.emit(Event{Type: EventConnected, ChannelType: platform, At: now})
	return nil
}

func (s *Supervisor) validate(cfg ChannelConfig) error {
	if v, ok := s.transport.(CredentialValidator); ok {
		if err := v.ValidateConfig(cfg); err != nil {
			if errors.Is(err, ErrMissingCredentials) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrMissingCredentials, err)
		}
		return nil
	}
	if len(cfg.Credentials) == 0 {
		return ErrMissingCredentials
	}
	return nil
}

func (s *Supervisor) doStop(ctx context.Context) {
	if s.conn == nil {
		return
	}
	conn := s.conn
	s.conn = nil
	s.current.Store(nil)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ConnectTimeout)
	if err := conn.Stop(stopCtx); err != nil && !errors.Is(err, ErrStopNotSupported) {
		s.logger.Warn("disconnect failed", slog.Any("error", err))
	}
	cancel()

	platform := s.transport.Type()
	s.status.Connected = false
	s.status.StartedAt = nil
	s.publish()
	s.observer.ConnectionState(platform, false)
	s.logger.Info("gateway disconnected")
	s.events.emit(Event{Type: EventDisconnected, ChannelType: platform, At: s.opts.Now()})
}

func (s *Supervisor) fail(err error) {
	s.status.LastError = err.Error()
	s.publish()
	s.logger.Error("gateway error", slog.Any("error", err))
	s.events.emit(Event{Type: EventError, ChannelType: s.transport.Type(), At: s.opts.Now(), Err: err})
}

func (s *Supervisor) armTimers() {
	if s.timersStop != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.timersStop = cancel
	s.timerGen++
	go s.tick(ctx, s.opts.HealthInterval, cmdHealth, s.timerGen)
	if _, ok := s.transport.(TokenRefresher); ok {
		go s.tick(ctx, s.opts.TokenRefreshInterval, cmdTokenRefresh, s.timerGen)
	}
}

func (s *Supervisor) disarmTimers() {
	if s.timersStop == nil {
		return
	}
	s.timersStop()
	s.timersStop = nil
	s.timerGen++
}

func (s *Supervisor) tick(ctx context.Context, every time.Duration, kind cmdKind, gen uint64) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.post(ctx, command{kind: kind, gen: gen})
		}
	}
}

func (s *Supervisor) checkHealth() {
	if s.stopping || s.reconnecting || s.cfg == nil {
		return
	}
	if s.conn == nil || !s.conn.Running() {
		s.fail(ErrConnectionLost)
		s.scheduleReconnect(false)
		return
	}
	last := s.lastMessageAt
	if s.status.LastInboundAt != nil && s.status.LastInboundAt.After(last) {
		last = *s.status.LastInboundAt
	}
	if reporter, ok := s.conn.(ActivityReporter); ok {
		if at := reporter.LastActivity(); at.After(last) {
			last = at
		}
	}
	silent := s.opts.Now().Sub(last)
	if silent <= s.opts.LivenessThreshold {
		return
	}
	s.fail(fmt.Errorf("%w: silent for %s", ErrLivenessTimeout, silent.Round(time.Second)))
	s.scheduleReconnect(false)
}

func (s *Supervisor) refreshToken() {
	if s.stopping || s.reconnecting || s.conn == nil || s.cfg == nil {
		return
	}
	refresher, ok := s.transport.(TokenRefresher)
	if !ok {
		return
	}
	cfg := *s.cfg
	go func() {
		ctx, cancel := context.WithTimeout(s.baseCtx, s.opts.SendTimeout)
		defer cancel()
		if err := refresher.RefreshToken(ctx, cfg); err != nil {
			s.logger.Warn("token refresh failed", slog.Any("error", err))
			return
		}
		s.logger.Debug("token refreshed")
	}()
}

func (s *Supervisor) reconnectIfNeeded() {
	if s.conn != nil && s.conn.Running() {
		return
	}
	if s.cfg == nil {
		s.logger.Debug("reconnect skipped, no saved config")
		return
	}
	s.stopping = false
	s.scheduleReconnect(true)
}

func (s *Supervisor) scheduleReconnect(immediate bool) {
	if s.reconnecting || s.cfg == nil {
		return
	}
	s.reconnecting = true
	s.reconnectGen++
	gen := s.reconnectGen
	var delay time.Duration
	if !immediate {
		delay = nextDelay(s.backoff, s.opts.ReconnectCeiling)
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.reconnectStop = cancel
	s.status.Reconnecting = true
	s.publish()
	s.observer.ReconnectScheduled(s.transport.Type())
	s.logger.Info("reconnect scheduled",
		slog.Duration("delay", delay),
		slog.Int("attempt", s.attempts+1),
	)
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.post(ctx, command{kind: cmdReconnectFire, gen: gen})
	}()
}

func (s *Supervisor) cancelReconnect() {
	if s.reconnectStop != nil {
		s.reconnectStop()
		s.reconnectStop = nil
	}
	if s.reconnecting {
		s.reconnecting = false
		s.status.Reconnecting = false
		s.publish()
	}
}

func (s *Supervisor) fireReconnect(gen uint64) {
	if !s.reconnecting || gen != s.reconnectGen {
		return
	}
	if s.reconnectStop != nil {
		s.reconnectStop()
		s.reconnectStop = nil
	}
	if s.stopping || s.cfg == nil {
		s.reconnecting = false
		s.status.Reconnecting = false
		s.publish()
		return
	}
	attempt := s.attempts + 1
	cfg := *s.cfg
	s.doStop(s.baseCtx)
	err := s.doStart(s.baseCtx, cfg)
	s.reconnecting = false
	s.status.Reconnecting = false
	if err != nil {
		s.attempts = attempt
		s.status.Attempts = attempt
		s.logger.Warn("reconnect failed", slog.Int("attempt", attempt), slog.Any("error", err))
	} else {
		s.logger.Info("reconnected", slog.Int("attempt", attempt))
	}
	s.publish()
	s.armTimers()
}

func (s *Supervisor) shutdown() {
	s.stopping = true
	s.cancelReconnect()
	s.disarmTimers()
	s.doStop(s.baseCtx)
	s.baseCancel()
	s.events.close()
}

func (s *Supervisor) publish() {
	st := s.status
	st.ChannelType = s.transport.Type()
	s.snapshot.Store(&st)
}
