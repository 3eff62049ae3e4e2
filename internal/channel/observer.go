package channel

// Inbound outcomes reported to an Observer.
const (
	InboundProcessed   = "processed"
	InboundDuplicate   = "duplicate"
	InboundUnmentioned = "unmentioned"
	InboundDropped     = "dropped"
)

// Observer receives supervisor counters. Implementations must be safe for concurrent use.
type Observer interface {
	InboundEvent(platform ChannelType, outcome string)
	OutboundSent(platform ChannelType, kind string, ok bool)
	ReconnectScheduled(platform ChannelType)
	ConnectionState(platform ChannelType, connected bool)
	EventDropped(platform ChannelType)
}

type nopObserver struct{}

func (nopObserver) InboundEvent(ChannelType, string) {}
func (nopObserver) OutboundSent(ChannelType, string, bool) {}
func (nopObserver) ReconnectScheduled(ChannelType) {}
func (nopObserver) ConnectionState(ChannelType, bool) {}
func (nopObserver) EventDropped(ChannelType) {}
