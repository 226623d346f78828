// Package demux subscribes once to the remote bus's wildcard event feed
// and routes each event to the ScriptInfo it names, translating wire
// event payloads into ScriptInfo mutations. It is the only component
// that calls remote.Bus.SubscribeEvents in production.
package demux

import (
	"log/slog"
	"sync"

	"scriptqueue/internal/logging"
	"scriptqueue/internal/remote"
	"scriptqueue/internal/scriptinfo"
	"scriptqueue/internal/wire"
)

// Registry looks up the live ScriptInfo for a SAL index. QueueModel
// satisfies this by consulting its published snapshot; demux needs
// read-only access only.
type Registry interface {
	Find(index int) *scriptinfo.ScriptInfo
}

// Demux routes bus events to ScriptInfo mutations.
type Demux struct {
	bus      remote.Bus
	registry Registry
	logger   *slog.Logger

	mu     sync.Mutex
	warned map[int]bool
	cancel func()
}

// New constructs a Demux. Call Start to begin routing.
func New(bus remote.Bus, registry Registry, logger *slog.Logger) *Demux {
	return &Demux{
		bus:      bus,
		registry: registry,
		logger:   logging.Default(logger).With("component", "demux"),
		warned:   make(map[int]bool),
	}
}

// Start subscribes to the bus's event feed. Call Stop to unsubscribe.
func (d *Demux) Start() error {
	cancel, err := d.bus.SubscribeEvents(d.handle)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	return nil
}

// Stop unsubscribes from the bus.
func (d *Demux) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *Demux) handle(ev remote.Event) {
	info := d.registry.Find(ev.Index)
	if info == nil {
		d.warnOnce(ev.Index)
		return
	}

	switch p := ev.Payload.(type) {
	case wire.StateEvent:
		info.SetScriptState(p.State, p.LastCheckpoint, p.Reason)
	case wire.MetadataEvent:
		info.SetMetadata(scriptinfo.Metadata{
			CoordinateSystem: p.CoordinateSystem,
			RotationSystem:   p.RotationSystem,
			Filters:          p.Filters,
			Dome:             p.Dome,
			Duration:         p.Duration,
		})
	case wire.DescriptionEvent:
		// Descriptions are set at add-time and rarely change in place;
		// the child may still report an updated one, which we log but
		// don't currently store (ScriptInfo's descr is immutable after
		// construction in this design).
		d.logger.Debug("description event received", "index", ev.Index, "descr", p.Description)
	case wire.HeartbeatEvent:
		// Liveness only; nothing to update on ScriptInfo today. A future
		// housekeep sweep could use the timestamp to flag stalled children.
	case wire.LogMessageEvent:
		d.logger.Info("child log", "index", ev.Index, "level", p.Level, "message", p.Message)
	default:
		d.logger.Warn("unrecognized event payload", "index", ev.Index, "type", ev.Payload)
	}
}

func (d *Demux) warnOnce(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.warned[index] {
		return
	}
	d.warned[index] = true
	d.logger.Warn("event for unknown or stale script index, dropping", "index", index)
}
