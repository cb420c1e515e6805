// Package mqtt bridges controller events and commands to an MQTT broker.
package mqtt

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"anroll-controller/internal/config"
	"anroll-controller/internal/core"
	"anroll-controller/internal/logger"
)

// subscriptions are relative to the topic prefix.
var subscriptions = []string{
	"param/+/set",
	"queue/skip",
	"queue/capacity/set",
	"script/run",
	"script/stop",
}

type Client struct {
	client   mqtt.Client
	broker   string
	commands core.CommandChannel
	prefix   string
	log      zerolog.Logger
}

// NewClient builds a client with automatic reconnects and an availability
// last will. It returns nil when MQTT is disabled.
func NewClient(cfg config.MQTTConfig, commands core.CommandChannel) *Client {
	if !cfg.Enabled {
		return nil
	}

	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)

	opts.SetKeepAlive(10 * time.Second)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	// keep retrying at startup when the broker is not up yet
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetOrderMatters(false)
	opts.SetWill(prefix+"/availability", "offline", 1, true)

	c := &Client{
		broker:   cfg.Broker,
		commands: commands,
		prefix:   prefix,
		log:      logger.Component("mqtt"),
	}

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.log.Warn().Err(err).Msg("Connection lost, retrying in background")
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		c.log.Info().Msg("Attempting to reconnect")
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect starts the connection loop and waits for the first handshake.
func (c *Client) Connect() error {
	if c == nil || c.client == nil {
		return nil
	}
	c.log.Info().Str("broker", c.broker).Msg("Starting connection loop")

	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		c.log.Error().Err(token.Error()).Msg("Initial connection error")
		return token.Error()
	}
	return nil
}

// Disconnect publishes "offline" and closes the connection.
func (c *Client) Disconnect() {
	if c == nil || c.client == nil || !c.client.IsConnected() {
		return
	}
	c.log.Info().Msg("Disconnecting")

	token := c.client.Publish(c.prefix+"/availability", 0, true, "offline")
	if token.WaitTimeout(2 * time.Second) {
		if token.Error() != nil {
			c.log.Warn().Err(token.Error()).Msg("Failed to publish offline status")
		}
	} else {
		c.log.Warn().Msg("Timed out publishing offline status")
	}

	c.client.Disconnect(250)
	c.log.Info().Msg("Disconnected")
}

// Publish sends payload to prefix/subtopic without blocking the caller.
func (c *Client) Publish(subtopic string, payload interface{}, retained bool) {
	if c == nil || c.client == nil || !c.client.IsConnected() {
		return
	}

	topic := fmt.Sprintf("%s/%s", c.prefix, subtopic)
	token := c.client.Publish(topic, 0, retained, fmt.Sprintf("%v", payload))

	go func() {
		if token.WaitTimeout(5 * time.Second) {
			if token.Error() != nil {
				c.log.Error().Err(token.Error()).Str("topic", topic).Msg("Publish error")
			}
		} else {
			c.log.Warn().Str("topic", topic).Msg("Timeout publishing")
		}
	}()
}

// Forward publishes bus events until ctx is done.
func (c *Client) Forward(ctx context.Context, bus *core.EventBus) {
	if c == nil {
		return
	}
	types := []core.EventType{
		core.BackendConnectedEvent,
		core.BackendDisconnectedEvent,
		core.QueueChangedEvent,
		core.FeedbackReceivedEvent,
		core.ScriptChangedEvent,
	}
	events := bus.Subscribe(types...)
	defer bus.Unsubscribe(events, types...)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			for _, m := range eventMessages(ev) {
				c.Publish(m.subtopic, m.payload, m.retained)
			}
		}
	}
}

type message struct {
	subtopic string
	payload  interface{}
	retained bool
}

// eventMessages maps a bus event to the state topics it updates.
func eventMessages(ev core.Event) []message {
	payload, _ := ev.Payload.(map[string]interface{})
	switch ev.Type {
	case core.BackendConnectedEvent:
		return []message{{"backend/state", "connected", true}}
	case core.BackendDisconnectedEvent:
		return []message{{"backend/state", "disconnected", true}}
	case core.QueueChangedEvent:
		if size, ok := payload["size"]; ok {
			return []message{{"queue/size", size, true}}
		}
	case core.ScriptChangedEvent:
		return []message{{"script/state", payload["running"], true}}
	case core.FeedbackReceivedEvent:
		feedback, _ := payload["feedback"].(map[string]interface{})
		keys := make([]string, 0, len(feedback))
		for k := range feedback {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]message, 0, len(keys))
		for _, k := range keys {
			out = append(out, message{"feedback/" + k, feedback[k], false})
		}
		return out
	}
	return nil
}

func (c *Client) onConnect(client mqtt.Client) {
	c.log.Info().Msg("Connected to broker")

	for _, sub := range subscriptions {
		topic := fmt.Sprintf("%s/%s", c.prefix, sub)
		if token := client.Subscribe(topic, 1, c.handleMessage); token.Wait() && token.Error() != nil {
			c.log.Error().Err(token.Error()).Str("topic", topic).Msg("Error subscribing")
		} else {
			c.log.Debug().Str("topic", topic).Msg("Subscribed")
		}
	}

	go c.Publish("availability", "online", true)
}

func (c *Client) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	cmd, err := c.route(msg.Topic(), msg.Payload())
	if err != nil {
		c.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("Ignoring message")
		return
	}
	if !c.commands.Dispatch(cmd) {
		c.log.Warn().Str("topic", msg.Topic()).Msg("Command channel full, message dropped")
	}
}

// route translates an incoming topic and payload into an agent command.
func (c *Client) route(topic string, payload []byte) (core.Command, error) {
	sub, ok := strings.CutPrefix(topic, c.prefix+"/")
	if !ok {
		return core.Command{}, fmt.Errorf("topic outside prefix %q", c.prefix)
	}
	value := strings.TrimSpace(string(payload))

	switch sub {
	case "queue/skip":
		return core.Command{Type: core.CmdSkip}, nil
	case "queue/capacity/set":
		n, err := strconv.Atoi(value)
		if err != nil {
			return core.Command{}, fmt.Errorf("bad capacity %q", value)
		}
		return core.Command{Type: core.CmdSetCapacity, Payload: map[string]interface{}{"capacity": float64(n)}}, nil
	case "script/run":
		if value == "" {
			return core.Command{}, fmt.Errorf("empty script name")
		}
		return core.Command{Type: core.CmdRunScript, Payload: map[string]interface{}{"name": value}}, nil
	case "script/stop":
		return core.Command{Type: core.CmdStopScript}, nil
	}

	if key, ok := paramFromTopic(sub); ok {
		return core.Command{Type: core.CmdSetParam, Payload: map[string]interface{}{"key": key, "value": value}}, nil
	}
	return core.Command{}, fmt.Errorf("unhandled topic %q", sub)
}

// paramFromTopic extracts <key> from "param/<key>/set".
func paramFromTopic(sub string) (string, bool) {
	parts := strings.Split(sub, "/")
	if len(parts) != 3 || parts[0] != "param" || parts[2] != "set" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
