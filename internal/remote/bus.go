// Package remote is the abstraction boundary the core depends on for all
// child-process transport. Per the specification, the transport bus
// itself (a topic-based publish/subscribe middleware) is external to the
// core: the core only requires a typed-callback, typed-command-send
// remote. This package defines that boundary plus two concrete
// implementations: localbus (in-process, used by tests and by embedded
// deployments) and mqttbus (a real pub/sub middleware backing).
//
// A Bus serves both sides of the parent/child relationship: the parent
// (internal/lifecycle, internal/demux) sends commands and subscribes to
// events; the child (internal/basescript) subscribes to its own commands
// and publishes events. Both sides share the same Bus type so a single
// in-process fake can stand in for the whole wire protocol in tests.
package remote

import "context"

// Event is anything a Script child publishes. The concrete payload types
// live in internal/wire (StateEvent, MetadataEvent, ...).
type Event struct {
	// Index is the SAL index of the script that published the event.
	Index int
	// Payload is one of the internal/wire event types.
	Payload any
}

// EventHandler receives every event published by every script. The
// event demultiplexer (internal/demux) is the sole registered handler in
// production; tests may register their own.
type EventHandler func(Event)

// CommandHandler receives every command addressed to one script. A
// Script child (internal/basescript) registers exactly one.
type CommandHandler func(cmd any)

// Bus is the remote abstraction the core depends on. Commands are
// addressed to a single script (by SAL index); events are published by
// one script and fanned out to a single wildcard subscription, matching
// the "index 0, wildcard" demultiplexer design in the spec.
type Bus interface {
	// SendCommand delivers cmd (one of the internal/wire command types)
	// to the script identified by index. SendCommand does not wait for
	// the child to act on the command; callers that need acknowledgement
	// wait for a corresponding state event instead.
	SendCommand(ctx context.Context, index int, cmd any) error

	// SubscribeCommands registers h to receive every command addressed
	// to index. Used by the child side (internal/basescript). The
	// returned func cancels the subscription.
	SubscribeCommands(index int, h CommandHandler) (cancel func(), err error)

	// PublishEvent publishes payload (one of the internal/wire event
	// types) as having come from the script identified by index. Used by
	// the child side.
	PublishEvent(ctx context.Context, index int, payload any) error

	// SubscribeEvents registers h to receive every event from every
	// script. Only one subscription is meaningful per Bus in production
	// (the core registers exactly one, in internal/demux); tests may
	// register their own. The returned func cancels the subscription.
	SubscribeEvents(h EventHandler) (cancel func(), err error)

	// Close releases the bus's resources. Subsequent calls fail.
	Close() error
}
