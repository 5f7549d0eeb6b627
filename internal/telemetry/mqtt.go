// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package telemetry mirrors recorder status and session events to an MQTT
// broker and accepts start/stop commands from it.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Topics names the MQTT topics in use.
type Topics struct {
	Status  string
	Session string
	Command string
}

// Status is the retained status message.
type Status struct {
	DeviceID       string `json:"device_id"`
	RecordingState string `json:"recording_state"`
	SampleCount    int64  `json:"sample_count"`
	SessionID      string `json:"session_id,omitempty"`
	IPAddress      string `json:"ip_address"`
	Port           int    `json:"port"`
	Time           int64  `json:"time"`
}

// SessionEvent is published when a session starts and after it has been
// finalized.
type SessionEvent struct {
	Event       string   `json:"event"`
	SessionID   string   `json:"session_id"`
	DeviceID    string   `json:"device_id"`
	StartTime   int64    `json:"start_time"`
	EndTime     int64    `json:"end_time,omitempty"`
	SampleCount int64    `json:"sample_count"`
	File        string   `json:"file"`
	Reason      string   `json:"reason,omitempty"`
	Error       string   `json:"error,omitempty"`
	Latitude    *float64 `json:"lat,omitempty"`
	Longitude   *float64 `json:"lon,omitempty"`
}

// publishTimeout bounds how long a publish may wait for the broker.
const publishTimeout = 2 * time.Second

// Client publishes telemetry over an MQTT connection.
type Client struct {
	mqtt   mqtt.Client
	topics Topics
	logger *slog.Logger
}

// Connect dials broker and returns a Client.
func Connect(broker, clientID string, topics Topics, logger *slog.Logger) (*Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", broker, token.Error())
	}
	c := New(client, topics, logger)
	c.logger.Info("connected to MQTT broker", "broker", broker)
	return c, nil
}

// New wraps an existing MQTT client.
func New(client mqtt.Client, topics Topics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{mqtt: client, topics: topics, logger: logger.With("component", "mqtt")}
}

func (c *Client) publish(topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	token := c.mqtt.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// PublishStatus sends a retained status message.
func (c *Client) PublishStatus(s Status) error {
	return c.publish(c.topics.Status, true, s)
}

// PublishSession sends a session event.
func (c *Client) PublishSession(ev SessionEvent) error {
	return c.publish(c.topics.Session, false, ev)
}

// RunStatus publishes status() every interval until ctx is done.
func (c *Client) RunStatus(ctx context.Context, interval time.Duration, status func() Status) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.PublishStatus(status()); err != nil {
				c.logger.Warn("status publish failed", "error", err)
			}
		}
	}
}

// Command is a remote recorder command.
type Command string

const (
	CommandStart Command = "start"
	CommandStop  Command = "stop"
)

// HandleCommands subscribes to the command topic. Payloads are the plain
// words "start" or "stop"; anything else is logged and ignored.
func (c *Client) HandleCommands(handle func(Command) error) error {
	token := c.mqtt.Subscribe(c.topics.Command, 1, func(_ mqtt.Client, msg mqtt.Message) {
		cmd := Command(strings.ToLower(strings.TrimSpace(string(msg.Payload()))))
		if cmd != CommandStart && cmd != CommandStop {
			c.logger.Warn("unknown command", "payload", string(msg.Payload()))
			return
		}
		if err := handle(cmd); err != nil {
			c.logger.Info("remote command failed", "command", string(cmd), "error", err)
			return
		}
		c.logger.Info("remote command applied", "command", string(cmd))
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.topics.Command, err)
	}
	c.logger.Info("subscribed to command topic", "topic", c.topics.Command)
	return nil
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.mqtt.Disconnect(250)
}

// Watch subscribes to the status and session topics and decodes every
// message into the matching callback. Undecodable payloads are logged.
func (c *Client) Watch(onStatus func(Status), onSession func(SessionEvent)) error {
	subs := []struct {
		topic  string
		handle func([]byte) error
	}{
		{c.topics.Status, func(b []byte) error {
			var s Status
			if err := json.Unmarshal(b, &s); err != nil {
				return err
			}
			onStatus(s)
			return nil
		}},
		{c.topics.Session, func(b []byte) error {
			var ev SessionEvent
			if err := json.Unmarshal(b, &ev); err != nil {
				return err
			}
			onSession(ev)
			return nil
		}},
	}
	for _, sub := range subs {
		token := c.mqtt.Subscribe(sub.topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			if err := sub.handle(msg.Payload()); err != nil {
				c.logger.Warn("unmarshal error", "topic", msg.Topic(), "error", err)
			}
		})
		token.Wait()
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.topic, err)
		}
		c.logger.Info("subscribed", "topic", sub.topic)
	}
	return nil
}
