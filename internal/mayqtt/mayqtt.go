// Copyright 2016 Michael Stapelberg and contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mayqtt implements an MQTT client which publishes device status to
// <prefix>/<device>/status and receives scan requests from <prefix>/cmd/scan.
package mayqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stapelberg/scancore/internal/config"
	"github.com/stapelberg/scancore/internal/logging"
	"golang.org/x/net/trace"
)

// ScanRequest is the payload of <prefix>/cmd/scan.
type ScanRequest struct {
	Device     string  `json:"device"`
	Mode       string  `json:"mode"`
	Resolution float64 `json:"resolution"`
}

func parseScanRequest(payload []byte) (ScanRequest, error) {
	var sr ScanRequest
	if err := json.Unmarshal(payload, &sr); err != nil {
		return ScanRequest{}, fmt.Errorf("unmarshaling scan request: %w", err)
	}
	return sr, nil
}

type PublishRequest struct {
	Topic    string
	Qos      byte
	Retained bool
	Payload  interface{}
}

// Client publishes status messages. A nil *Client discards them, which is
// what backends get when no broker is configured.
type Client struct {
	cfg     config.MQTTConfig
	log     *logging.Logger
	publish chan PublishRequest

	mu         sync.Mutex
	lastStatus map[string]string
}

// New returns a client for cfg, or nil if cfg names no broker.
func New(cfg config.MQTTConfig, log *logging.Logger) *Client {
	if cfg.Broker == "" {
		return nil
	}
	return &Client{
		cfg:        cfg,
		log:        log,
		publish:    make(chan PublishRequest),
		lastStatus: make(map[string]string),
	}
}

func (c *Client) statusTopic(device string) string {
	return c.cfg.TopicPrefix + "/" + device + "/status"
}

func (c *Client) commandTopic() string {
	return c.cfg.TopicPrefix + "/cmd/scan"
}

// Run connects to the broker and publishes until ctx is done. Scan
// requests are sent to scanRequests, or dropped while one is pending.
// scanRequests may be nil.
func (c *Client) Run(ctx context.Context, scanRequests chan<- ScanRequest) error {
	tr := trace.New("MQTT", "Loop")
	defer tr.Finish()

	broker := c.cfg.Broker
	tr.LazyPrintf("Connecting to MQTT broker %s", broker)
	opts := mqtt.NewClientOptions().AddBroker(broker)
	opts.SetClientID(c.cfg.ClientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetConnectRetry(true)
	opts.OnConnect = func(mc mqtt.Client) {
		if scanRequests == nil {
			return
		}
		topic := c.commandTopic()
		tr.LazyPrintf("OnConnect, subscribing to %s", topic)
		token := mc.Subscribe(
			topic,
			0, /* qos */
			func(_ mqtt.Client, m mqtt.Message) {
				tr.LazyPrintf("message on topic %s: %q", m.Topic(), string(m.Payload()))
				sr, err := parseScanRequest(m.Payload())
				if err != nil {
					c.log.Warn("ignoring scan request", "topic", m.Topic(), "err", err)
					return
				}
				select {
				case scanRequests <- sr:
				default:
					// Channel full, scan request already pending; drop
				}
			})
		if token.Wait() && token.Error() != nil {
			tr.LazyPrintf("subscription failed! %v", token.Error())
		}
	}
	mqttClient := mqtt.NewClient(opts)
	token := mqttClient.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		// stops the connect retry loop
		mqttClient.Disconnect(0)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT connection failed: %v", err)
	}
	defer mqttClient.Disconnect(250)
	tr.LazyPrintf("Connected to MQTT broker %s", broker)
	c.log.Info("connected to MQTT broker", "broker", broker)

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-c.publish:
			tr.LazyPrintf("publishing on topic %s: %q", r.Topic, r.Payload)
			// discard Token, MQTT publishing is best-effort
			_ = mqttClient.Publish(r.Topic, r.Qos, r.Retained, r.Payload)
		}
	}
}

// Publishf publishes the status of device. Unchanged statuses are not
// published again.
func (c *Client) Publishf(device, format string, args ...interface{}) {
	if c == nil {
		return
	}
	status := fmt.Sprintf(format, args...)
	c.mu.Lock()
	if c.lastStatus[device] == status {
		c.mu.Unlock()
		return
	}
	c.lastStatus[device] = status
	c.mu.Unlock()
	select {
	case c.publish <- PublishRequest{
		Topic:    c.statusTopic(device),
		Retained: true,
		Payload:  []byte(status),
	}:
	default:
		// drop message if MQTT is not connected
	}
}
