package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Envelope is the on-the-wire frame for both commands and events: a kind
// tag plus the msgpack-encoded payload. Bus implementations that cross a
// real process boundary (internal/remote/mqttbus) use this to move any
// of the typed command/event structs below over a single byte-stream
// topic.
type Envelope struct {
	Kind string
	Data []byte
}

// EncodeCommand packs a command payload into an Envelope.
func EncodeCommand(cmd any) (Envelope, error) {
	var kind string
	switch cmd.(type) {
	case ConfigureCommand, *ConfigureCommand:
		kind = "configure"
	case RunCommand, *RunCommand:
		kind = "run"
	case ResumeCommand, *ResumeCommand:
		kind = "resume"
	case SetCheckpointsCommand, *SetCheckpointsCommand:
		kind = "setCheckpoints"
	case StopCommand, *StopCommand:
		kind = "stop"
	case SetGroupIDCommand, *SetGroupIDCommand:
		kind = "setGroupId"
	default:
		return Envelope{}, fmt.Errorf("wire: unknown command type %T", cmd)
	}
	data, err := msgpack.Marshal(cmd)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode %s: %w", kind, err)
	}
	return Envelope{Kind: kind, Data: data}, nil
}

// DecodeCommand unpacks an Envelope produced by EncodeCommand.
func DecodeCommand(env Envelope) (any, error) {
	switch env.Kind {
	case "configure":
		var c ConfigureCommand
		return c, unmarshal(env.Data, &c)
	case "run":
		var c RunCommand
		return c, unmarshal(env.Data, &c)
	case "resume":
		var c ResumeCommand
		return c, unmarshal(env.Data, &c)
	case "setCheckpoints":
		var c SetCheckpointsCommand
		return c, unmarshal(env.Data, &c)
	case "stop":
		var c StopCommand
		return c, unmarshal(env.Data, &c)
	case "setGroupId":
		var c SetGroupIDCommand
		return c, unmarshal(env.Data, &c)
	default:
		return nil, fmt.Errorf("wire: unknown command kind %q", env.Kind)
	}
}

// EncodeEvent packs an event payload into an Envelope.
func EncodeEvent(evt any) (Envelope, error) {
	var kind string
	switch evt.(type) {
	case StateEvent, *StateEvent:
		kind = "state"
	case MetadataEvent, *MetadataEvent:
		kind = "metadata"
	case DescriptionEvent, *DescriptionEvent:
		kind = "description"
	case HeartbeatEvent, *HeartbeatEvent:
		kind = "heartbeat"
	case LogMessageEvent, *LogMessageEvent:
		kind = "logMessage"
	default:
		return Envelope{}, fmt.Errorf("wire: unknown event type %T", evt)
	}
	data, err := msgpack.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode %s: %w", kind, err)
	}
	return Envelope{Kind: kind, Data: data}, nil
}

// DecodeEvent unpacks an Envelope produced by EncodeEvent.
func DecodeEvent(env Envelope) (any, error) {
	switch env.Kind {
	case "state":
		var e StateEvent
		return e, unmarshal(env.Data, &e)
	case "metadata":
		var e MetadataEvent
		return e, unmarshal(env.Data, &e)
	case "description":
		var e DescriptionEvent
		return e, unmarshal(env.Data, &e)
	case "heartbeat":
		var e HeartbeatEvent
		return e, unmarshal(env.Data, &e)
	case "logMessage":
		var e LogMessageEvent
		return e, unmarshal(env.Data, &e)
	default:
		return nil, fmt.Errorf("wire: unknown event kind %q", env.Kind)
	}
}

func unmarshal(data []byte, dst any) error {
	if err := msgpack.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("wire: decode: %w", err)
	}
	return nil
}

// MarshalEnvelope/UnmarshalEnvelope move an Envelope itself across a byte
// stream (e.g. an MQTT message body).
func MarshalEnvelope(env Envelope) ([]byte, error) {
	b, err := msgpack.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope: %w", err)
	}
	return b, nil
}

func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	return env, nil
}
