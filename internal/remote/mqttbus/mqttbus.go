// Package mqttbus implements remote.Bus over MQTT, standing in for the
// topic-based publish/subscribe middleware the specification describes
// as the transport the core depends on only through the remote.Bus
// interface. Commands are published to a per-index topic; events are
// published to a per-index topic and consumed via a single wildcard
// subscription, mirroring the "index 0, wildcard" demultiplexer design.
package mqttbus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"scriptqueue/internal/logging"
	"scriptqueue/internal/wire"
	"scriptqueue/internal/remote"
)

const (
	topicPrefix = "scriptqueue/script"
	qos         = byte(1)
)

func cmdTopic(index int) string   { return fmt.Sprintf("%s/%d/cmd", topicPrefix, index) }
func eventTopic(index int) string { return fmt.Sprintf("%s/%d/event", topicPrefix, index) }

const eventWildcard = topicPrefix + "/+/event"

// Options configures a Bus.
type Options struct {
	// Brokers are MQTT broker URLs, e.g. "tcp://localhost:1883".
	Brokers []string
	// ClientID identifies this connection. If empty, a unique one is
	// generated.
	ClientID string
	// ConnectTimeout bounds the initial Connect call. Defaults to 10s.
	ConnectTimeout time.Duration
	// Logger receives connection lifecycle events.
	Logger *slog.Logger
}

// Bus is a remote.Bus backed by an MQTT v3.1.1 broker connection.
type Bus struct {
	client mqtt.Client
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	cmdSubs map[int]remote.CommandHandler
}

var _ remote.Bus = (*Bus)(nil)

// Connect dials the configured broker(s) and returns a ready Bus.
func Connect(opt Options) (*Bus, error) {
	if opt.ConnectTimeout <= 0 {
		opt.ConnectTimeout = 10 * time.Second
	}
	logger := logging.Default(opt.Logger).With("component", "mqttbus")

	copts := mqtt.NewClientOptions()
	for _, b := range opt.Brokers {
		copts.AddBroker(b)
	}
	if opt.ClientID != "" {
		copts.SetClientID(opt.ClientID)
	} else {
		copts.SetClientID(fmt.Sprintf("scriptqueue-%d", time.Now().UnixNano()))
	}
	copts.SetAutoReconnect(true)
	copts.SetConnectTimeout(opt.ConnectTimeout)
	copts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected")
	})
	copts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})

	client := mqtt.NewClient(copts)
	token := client.Connect()
	if !token.WaitTimeout(opt.ConnectTimeout) {
		return nil, fmt.Errorf("mqttbus: connect timed out after %s", opt.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqttbus: connect: %w", err)
	}

	return &Bus{
		client:  client,
		logger:  logger,
		cmdSubs: make(map[int]remote.CommandHandler),
	}, nil
}

func (b *Bus) SendCommand(ctx context.Context, index int, cmd any) error {
	env, err := wire.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	return b.publish(ctx, cmdTopic(index), env)
}

func (b *Bus) PublishEvent(ctx context.Context, index int, payload any) error {
	env, err := wire.EncodeEvent(payload)
	if err != nil {
		return err
	}
	return b.publish(ctx, eventTopic(index), env)
}

func (b *Bus) publish(ctx context.Context, topic string, env wire.Envelope) error {
	body, err := wire.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	token := b.client.Publish(topic, qos, false, body)
	return waitToken(ctx, token)
}

func (b *Bus) SubscribeCommands(index int, h remote.CommandHandler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("mqttbus: closed")
	}
	b.cmdSubs[index] = h
	b.mu.Unlock()

	topic := cmdTopic(index)
	token := b.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		env, err := wire.UnmarshalEnvelope(msg.Payload())
		if err != nil {
			b.logger.Warn("dropping malformed command", "topic", topic, "error", err)
			return
		}
		cmd, err := wire.DecodeCommand(env)
		if err != nil {
			b.logger.Warn("dropping undecodable command", "topic", topic, "error", err)
			return
		}
		h(cmd)
	})
	token.Wait()
	if err := token.Error(); err != nil {
		b.mu.Lock()
		delete(b.cmdSubs, index)
		b.mu.Unlock()
		return nil, fmt.Errorf("mqttbus: subscribe %s: %w", topic, err)
	}

	return func() {
		b.client.Unsubscribe(topic)
		b.mu.Lock()
		delete(b.cmdSubs, index)
		b.mu.Unlock()
	}, nil
}

func (b *Bus) SubscribeEvents(h remote.EventHandler) (func(), error) {
	token := b.client.Subscribe(eventWildcard, qos, func(_ mqtt.Client, msg mqtt.Message) {
		index, ok := indexFromEventTopic(msg.Topic())
		if !ok {
			b.logger.Warn("dropping event with unparseable topic", "topic", msg.Topic())
			return
		}
		env, err := wire.UnmarshalEnvelope(msg.Payload())
		if err != nil {
			b.logger.Warn("dropping malformed event", "topic", msg.Topic(), "error", err)
			return
		}
		payload, err := wire.DecodeEvent(env)
		if err != nil {
			b.logger.Warn("dropping undecodable event", "topic", msg.Topic(), "error", err)
			return
		}
		h(remote.Event{Index: index, Payload: payload})
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqttbus: subscribe %s: %w", eventWildcard, err)
	}
	return func() { b.client.Unsubscribe(eventWildcard) }, nil
}

func indexFromEventTopic(topic string) (int, bool) {
	parts := strings.Split(topic, "/")
	// scriptqueue/script/<index>/event
	if len(parts) != 4 || parts[0] != "scriptqueue" || parts[1] != "script" || parts[3] != "event" {
		return 0, false
	}
	idx, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, false
	}
	return idx, true
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.client.Disconnect(250)
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
