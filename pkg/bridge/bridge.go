// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bridge mirrors device state to an MQTT broker and accepts commands
// from it.
//
// Topics, under the configured prefix:
//
//	<prefix>/status             online / offline, retained, offline is the will
//	<prefix>/<device>/state     session.DeviceState JSON, retained
//	<prefix>/<device>/command   session.Command JSON, subscribed
//	<prefix>/<device>/result    session.Result JSON for each command
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/Thermoquad/exlink/pkg/config"
	"github.com/Thermoquad/exlink/pkg/session"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	commandTimeout = 30 * time.Second
	retryDelay     = 5 * time.Second
)

// client is the part of paho.Client the bridge uses
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// Bridge connects a session manager to a broker
type Bridge struct {
	mgr    *session.Manager
	prefix string
	qos    byte
	log    *zap.Logger

	paho   paho.Client
	client client
}

// New prepares a bridge. Nothing is sent until Connect.
func New(cfg config.MQTTConfig, mgr *session.Manager, log *zap.Logger) *Bridge {
	b := &Bridge{
		mgr:    mgr,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
		qos:    cfg.QoS,
		log:    log.Named("mqtt"),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetWill(b.statusTopic(), payloadOffline, b.qos, true)
	opts.SetOnConnectHandler(func(c paho.Client) {
		b.log.Info("connected to broker", zap.String("broker", cfg.Broker))
		b.online()
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		b.log.Warn("broker connection lost", zap.Error(err))
	})

	b.paho = paho.NewClient(opts)
	b.client = b.paho
	return b
}

func newBridge(c client, mgr *session.Manager, prefix string, log *zap.Logger) *Bridge {
	return &Bridge{mgr: mgr, prefix: prefix, qos: 1, log: log, client: c}
}

func (b *Bridge) statusTopic() string {
	return b.prefix + "/status"
}

func (b *Bridge) deviceTopic(device, leaf string) string {
	return fmt.Sprintf("%s/%s/%s", b.prefix, device, leaf)
}

// Connect dials the broker, retrying until it succeeds or ctx is done
func (b *Bridge) Connect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		token := b.paho.Connect()
		token.Wait()
		if token.Error() == nil {
			return nil
		}
		b.log.Warn("broker connection failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", retryDelay),
			zap.Error(token.Error()))

		select {
		case <-ctx.Done():
			return fmt.Errorf("mqtt connect: %w", ctx.Err())
		case <-time.After(retryDelay):
		}
	}
}

// Close marks the host offline and disconnects
func (b *Bridge) Close() {
	if b.paho == nil || !b.paho.IsConnected() {
		return
	}
	b.publish(b.statusTopic(), true, []byte(payloadOffline)).WaitTimeout(time.Second)
	b.paho.Disconnect(250)
}

// online announces the host, subscribes to commands and publishes every
// known state. It runs on each (re)connect.
func (b *Bridge) online() {
	b.publish(b.statusTopic(), true, []byte(payloadOnline))

	filter := b.prefix + "/+/command"
	token := b.client.Subscribe(filter, b.qos, func(_ paho.Client, msg paho.Message) {
		go b.dispatch(msg.Topic(), msg.Payload())
	})
	go func() {
		if token.Wait() && token.Error() != nil {
			b.log.Error("subscribe failed", zap.String("topic", filter), zap.Error(token.Error()))
		}
	}()

	for id, st := range b.mgr.States() {
		b.PublishState(id, st)
	}
}

func (b *Bridge) publish(topic string, retained bool, payload []byte) paho.Token {
	token := b.client.Publish(topic, b.qos, retained, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			b.log.Warn("publish failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}()
	return token
}

// PublishState publishes a device state retained. It matches
// session.StateListener.
func (b *Bridge) PublishState(device string, st session.DeviceState) {
	data, err := json.Marshal(st)
	if err != nil {
		b.log.Error("encode state", zap.String("device", device), zap.Error(err))
		return
	}
	b.publish(b.deviceTopic(device, "state"), true, data)
}

// parseCommandTopic extracts the device from <prefix>/<device>/command
func (b *Bridge) parseCommandTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return "", false
	}
	device, leaf, ok := strings.Cut(rest, "/")
	if !ok || leaf != "command" || device == "" {
		return "", false
	}
	return device, true
}

// dispatch runs one command message and publishes its result
func (b *Bridge) dispatch(topic string, payload []byte) {
	device, ok := b.parseCommandTopic(topic)
	if !ok {
		b.log.Debug("ignoring message", zap.String("topic", topic))
		return
	}
	res := b.execute(device, payload)

	data, err := json.Marshal(res)
	if err != nil {
		b.log.Error("encode result", zap.String("device", device), zap.Error(err))
		return
	}
	b.publish(b.deviceTopic(device, "result"), false, data)
}

func (b *Bridge) execute(device string, payload []byte) session.Result {
	var cmd session.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return failed(device, cmd, fmt.Errorf("decode command: %w", err))
	}
	sess, err := b.mgr.Get(device)
	if err != nil {
		return failed(device, cmd, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	res := sess.Execute(ctx, cmd)
	if err := res.Err(); err != nil && !errors.Is(err, session.ErrBusy) {
		b.log.Warn("mqtt command failed",
			zap.String("device", device),
			zap.String("op", string(cmd.Op)),
			zap.String("id", cmd.ID),
			zap.Error(err))
	}
	return res
}

func failed(device string, cmd session.Command, err error) session.Result {
	return session.Result{Device: device, Op: cmd.Op, ID: cmd.ID, Error: err.Error()}
}
