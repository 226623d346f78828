// Package config provides configuration persistence for the script queue
// orchestrator.
//
// Store persists and reloads the desired orchestrator configuration
// across restarts. This is control-plane state (roots, tuning,
// bus connection parameters) — it is not queue state. Per the explicit
// non-goal on persistence across restarts, the queue contents themselves
// (current/queue/history) are never part of Config; only the settings an
// operator would otherwise have to pass on every invocation are.
package config

import "context"

// Store persists and loads orchestrator configuration.
//
// Store is not on the queue's hot path; QueueModel never touches it
// directly. It is read once at startup by cmd/queuectl (or an embedding
// process) to construct scriptpath.Roots, a salindex.Allocator range,
// and a remote.Bus.
type Store interface {
	// Load reads the configuration. Returns nil config if none exists.
	Load(ctx context.Context) (*Config, error)

	// Save persists the configuration.
	Save(ctx context.Context, cfg *Config) error
}

// Config describes the desired orchestrator shape. It is declarative:
// what the orchestrator should be configured with, not how to build it.
type Config struct {
	// ScriptRoots are the two filesystem roots scripts may be resolved
	// under, mirroring scriptpath.Roots.
	ScriptRoots ScriptRoots

	// Queue holds scheduler tuning.
	Queue QueueSettings

	// Bus describes how to reach the remote message bus.
	Bus RemoteBusConfig
}

// ScriptRoots mirrors scriptpath.Roots. Kept as a separate, persistable
// type rather than importing scriptpath directly, so config stays free
// of a dependency on the queue engine packages.
type ScriptRoots struct {
	Standard string
	External string
}

// QueueSettings tunes the scheduler.
type QueueSettings struct {
	// MaxHistory is a completed-script history bound carried in the
	// config. It is not passed to the queue model, whose history is
	// always bounded by queuemodel.MaxHistory.
	MaxHistory int
	// IndexMin/IndexMax bound the SAL index allocator. Zero means use
	// salindex.DefaultMin/DefaultMax.
	IndexMin int
	IndexMax int
	// PauseOnFailure is applied when the queue model is constructed
	// (queuectl's --pause-on-failure flag overrides it); it stays fixed
	// for the life of that queue model.
	PauseOnFailure bool
}

// RemoteBusConfig describes how to connect to the MQTT transport.
type RemoteBusConfig struct {
	Brokers        []string
	ClientID       string
	ConnectTimeout int // seconds; zero means use mqttbus's default
}
