package channel

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Registry maps platform names to their transports. One Registry is built
// at startup and shared by the Manager and the host API.
type Registry struct {
	mu       sync.RWMutex
	adapters map[ChannelType]Transport
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[ChannelType]Transport{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Transport) error {
	if adapter == nil {
		return fmt.Errorf("register: nil transport")
	}
	ct := normalizeChannelType(adapter.Type().String())
	if ct == "" {
		return fmt.Errorf("register: transport reports an empty platform")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[ct]; exists {
		return fmt.Errorf("register: platform %s already has a transport", ct)
	}
	r.adapters[ct] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Transport) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given channel type.
func (r *Registry) Get(channelType ChannelType) (Transport, bool) {
	ct := normalizeChannelType(channelType.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[ct]
	return adapter, ok
}

// Types returns all registered channel types, sorted.
func (r *Registry) Types() []ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]ChannelType, 0, len(r.adapters))
	for ct := range r.adapters {
		items = append(items, ct)
	}
	slices.Sort(items)
	return items
}

// ParseChannelType validates and normalizes a raw string into a registered ChannelType.
func (r *Registry) ParseChannelType(raw string) (ChannelType, error) {
	ct := normalizeChannelType(raw)
	if ct == "" {
		return "", fmt.Errorf("unsupported channel type: %s", raw)
	}
	if _, ok := r.Get(ct); !ok {
		return "", fmt.Errorf("unsupported channel type: %s", raw)
	}
	return ct, nil
}

// Capabilities lists the optional features the adapter for channelType
// implements, in a fixed order. Unknown types report none.
func (r *Registry) Capabilities(channelType ChannelType) []string {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil
	}
	caps := []string{}
	if _, ok := adapter.(CredentialValidator); ok {
		caps = append(caps, "validate")
	}
	if _, ok := adapter.(MediaUploader); ok {
		caps = append(caps, "media_upload")
	}
	if _, ok := adapter.(MediaDownloader); ok {
		caps = append(caps, "media_download")
	}
	if _, ok := adapter.(TokenRefresher); ok {
		caps = append(caps, "token_refresh")
	}
	if _, ok := adapter.(ProcessingNotifier); ok {
		caps = append(caps, "processing_status")
	}
	return caps
}

func normalizeChannelType(raw string) ChannelType {
	normalized := strings.TrimSpace(strings.ToLower(raw))
	if normalized == "" {
		return ""
	}
	return ChannelType(normalized)
}
