// Package component provides the lifecycle base every PACS component
// embeds: bus binding, config access, and ON_START/ON_STARTED/ON_EXIT
// auto-subscription.
package component

import (
	"github.com/charmbracelet/log"

	"github.com/tinypacs/tinypacs/internal/bus"
)

// Lifecycle is implemented by components that need to run code at one of
// the three default channels. Base.Bind subscribes whichever of these the
// embedding component chooses to override by passing itself as impl.
type Lifecycle interface {
	OnStart(args ...any) (any, error)
	OnStarted(args ...any) (any, error)
	OnExit(args ...any) (any, error)
}

// Base is embedded by every component. It is not itself a Lifecycle: call
// Bind once, from the embedding component's constructor, passing the
// embedding value so the three default channels dispatch to its overrides.
type Base struct {
	Bus      *bus.Bus
	Config   map[string]any
	Priority int
	Log      *log.Logger
}

// NewBase constructs a Base bound to b and cfg, with a logger named name
// and the default dispatch priority of 50.
func NewBase(b *bus.Bus, cfg map[string]any, name string) Base {
	return Base{
		Bus:      b,
		Config:   cfg,
		Priority: bus.DefaultPriority,
		Log:      log.Default().With("component", name),
	}
}

// Bind subscribes impl's OnStart/OnStarted/OnExit to the three default
// channels at this Base's priority. Call once from the embedding
// component's constructor after NewBase.
func (c *Base) Bind(impl Lifecycle) {
	c.Bus.Subscribe(bus.OnStart, c.Priority, impl.OnStart)
	c.Bus.Subscribe(bus.OnStarted, c.Priority, impl.OnStarted)
	c.Bus.Subscribe(bus.OnExit, c.Priority, impl.OnExit)
}

// Subscribe registers handler on channel at this Base's default priority.
func (c *Base) Subscribe(channel bus.Channel, handler bus.Handler) {
	c.Bus.Subscribe(channel, c.Priority, handler)
}

// SubscribeAt registers handler on channel at an explicit priority,
// overriding the component's default.
func (c *Base) SubscribeAt(channel bus.Channel, priority int, handler bus.Handler) {
	c.Bus.Subscribe(channel, priority, handler)
}

// Broadcast delegates to the bound bus.
func (c *Base) Broadcast(channel bus.Channel, args ...any) ([]any, error) {
	return c.Bus.Broadcast(channel, args...)
}

// BroadcastNoThrow delegates to the bound bus.
func (c *Base) BroadcastNoThrow(channel bus.Channel, args ...any) []bus.Result {
	return c.Bus.BroadcastNoThrow(channel, args...)
}

// SendOne delegates to the bound bus.
func (c *Base) SendOne(channel bus.Channel, args ...any) (any, error) {
	return c.Bus.SendOne(channel, args...)
}

// SendAny delegates to the bound bus.
func (c *Base) SendAny(channel bus.Channel, args ...any) (any, error) {
	return c.Bus.SendAny(channel, args...)
}

// DefaultLifecycle can be embedded by components that don't need one or
// more of the three hooks, so they only need to override the ones they
// care about.
type DefaultLifecycle struct{}

func (DefaultLifecycle) OnStart(args ...any) (any, error)   { return nil, nil }
func (DefaultLifecycle) OnStarted(args ...any) (any, error) { return nil, nil }
func (DefaultLifecycle) OnExit(args ...any) (any, error)    { return nil, nil }
