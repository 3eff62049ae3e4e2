package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Middleware wraps a MessageHandler to add cross-cutting behavior.
type Middleware func(next MessageHandler) MessageHandler

// Manager owns one Supervisor per configured platform.
type Manager struct {
	registry    *Registry
	opts        Options
	logger      *slog.Logger
	middlewares []Middleware

	mu          sync.RWMutex
	handler     MessageHandler
	supervisors map[ChannelType]*Supervisor
	configs     map[ChannelType]ChannelConfig
}

// NewManager creates a Manager. opts applies to every supervisor it creates.
func NewManager(log *slog.Logger, registry *Registry, opts Options) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Manager{
		registry:    registry,
		opts:        opts,
		logger:      log.With(slog.String("component", "channel")),
		supervisors: map[ChannelType]*Supervisor{},
		configs:     map[ChannelType]ChannelConfig{},
	}
}

// Registry returns the adapter registry used by this manager.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Use appends middleware to the message handler chain. Call before SetMessageHandler.
func (m *Manager) Use(mw ...Middleware) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.middlewares = append(m.middlewares, mw...)
}

// SetMessageHandler installs handler, wrapped by middleware, on every supervisor.
func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if handler != nil {
		for i := len(m.middlewares) - 1; i >= 0; i-- {
			handler = m.middlewares[i](handler)
		}
	}
	m.handler = handler
	for _, sup := range m.supervisors {
		sup.SetMessageHandler(handler)
	}
}

// Configure records cfg and creates the platform's supervisor on first use.
func (m *Manager) Configure(cfg ChannelConfig) (*Supervisor, error) {
	transport, ok := m.registry.Get(cfg.ChannelType)
	if !ok {
		return nil, fmt.Errorf("unsupported channel type: %s", cfg.ChannelType)
	}
	ct := transport.Type()
	cfg.ChannelType = ct
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[ct] = cfg
	if sup, ok := m.supervisors[ct]; ok {
		return sup, nil
	}
	sup, err := NewSupervisor(transport, m.opts, m.logger)
	if err != nil {
		return nil, err
	}
	sup.SetMessageHandler(m.handler)
	m.supervisors[ct] = sup
	return sup, nil
}

// Supervisor returns the supervisor for channelType.
func (m *Manager) Supervisor(channelType ChannelType) (*Supervisor, bool) {
	ct := normalizeChannelType(channelType.String())
	m.mu.RLock()
	defer m.mu.RUnlock()
	sup, ok := m.supervisors[ct]
	return sup, ok
}

// Config returns the recorded config for channelType.
func (m *Manager) Config(channelType ChannelType) (ChannelConfig, bool) {
	ct := normalizeChannelType(channelType.String())
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[ct]
	return cfg, ok
}

// Start starts one configured platform.
func (m *Manager) Start(ctx context.Context, channelType ChannelType) error {
	sup, ok := m.Supervisor(channelType)
	if !ok {
		return fmt.Errorf("channel not configured: %s", channelType)
	}
	cfg, _ := m.Config(channelType)
	if err := sup.RestoreNotificationTarget(ctx); err != nil {
		m.logger.Warn("restore notification target failed", slog.String("channel", channelType.String()), slog.Any("error", err))
	}
	return sup.Start(ctx, cfg)
}

// Stop stops one configured platform.
func (m *Manager) Stop(ctx context.Context, channelType ChannelType) error {
	sup, ok := m.Supervisor(channelType)
	if !ok {
		return fmt.Errorf("channel not configured: %s", channelType)
	}
	return sup.Stop(ctx)
}

// StartAll starts every enabled platform concurrently. A failing platform does
// not prevent the others from starting; the first error is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	var g errgroup.Group
	for _, ct := range m.configuredTypes() {
		cfg, _ := m.Config(ct)
		if !cfg.Enabled {
			continue
		}
		g.Go(func() error {
			if err := m.Start(ctx, ct); err != nil {
				m.logger.Error("gateway start failed", slog.String("channel", ct.String()), slog.Any("error", err))
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops every platform and joins their errors.
func (m *Manager) StopAll(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, ct := range m.configuredTypes() {
		sup, ok := m.Supervisor(ct)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := sup.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", ct, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// ReconnectAll forwards an external liveness signal to every supervisor.
func (m *Manager) ReconnectAll() {
	for _, ct := range m.configuredTypes() {
		if sup, ok := m.Supervisor(ct); ok {
			sup.ReconnectIfNeeded()
		}
	}
}

// Statuses returns a status snapshot per configured platform, sorted by type.
func (m *Manager) Statuses() []Status {
	types := m.configuredTypes()
	items := make([]Status, 0, len(types))
	for _, ct := range types {
		if sup, ok := m.Supervisor(ct); ok {
			items = append(items, sup.Status())
		}
	}
	return items
}

// Shutdown stops every platform and terminates the supervisors.
func (m *Manager) Shutdown(ctx context.Context) error {
	err := m.StopAll(ctx)
	m.mu.Lock()
	sups := make([]*Supervisor, 0, len(m.supervisors))
	for _, sup := range m.supervisors {
		sups = append(sups, sup)
	}
	m.mu.Unlock()
	for _, sup := range sups {
		sup.Close()
	}
	return err
}

func (m *Manager) configuredTypes() []ChannelType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]ChannelType, 0, len(m.supervisors))
	for ct := range m.supervisors {
		items = append(items, ct)
	}
	slices.Sort(items)
	return items
}
