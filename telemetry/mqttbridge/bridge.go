// Package mqttbridge mirrors channel notifications to an MQTT broker.
package mqttbridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/aqnotify/telemetry"
)

const publishTimeout = 5 * time.Second

type Options struct {
	Broker   string
	Port     int
	ClientID string
	Topic    string
}

// Reading is the JSON document published per notification.
type Reading struct {
	CO2       uint16    `json:"co2_ppm"`
	TVOC      uint16    `json:"tvoc_ppb"`
	Raw       string    `json:"raw"`
	Timestamp time.Time `json:"timestamp"`
}

// Bridge is a telemetry.Sink that is subscribed to the channel while the
// broker connection is up.
type Bridge struct {
	client  mqtt.Client
	channel *telemetry.Channel
	opts    Options

	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(opts Options, channel *telemetry.Channel) *Bridge {
	b := &Bridge{
		channel: channel,
		opts:    opts,
		stopCh:  make(chan struct{}),
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Broker, opts.Port))
	co.SetClientID(opts.ClientID)
	co.SetCleanSession(true)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(5 * time.Second)
	co.SetMaxReconnectInterval(60 * time.Second)
	co.SetKeepAlive(30 * time.Second)
	co.SetPingTimeout(10 * time.Second)
	co.SetOnConnectHandler(func(_ mqtt.Client) { b.onConnect() })
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) { b.onConnectionLost(err) })

	b.client = mqtt.NewClient(co)
	return b
}

func (b *Bridge) peer() string {
	return "mqtt/" + b.opts.ClientID
}

func (b *Bridge) onConnect() {
	log.WithFields(log.Fields{"broker": b.opts.Broker, "port": b.opts.Port}).Info("mqtt connected")
	b.channel.Subscribe(b.peer(), b)
}

func (b *Bridge) onConnectionLost(err error) {
	log.WithField("broker", b.opts.Broker).Warnf("mqtt connection lost: %s", err)
	b.channel.Unsubscribe(b.peer())
}

// Connect waits for the initial connection. It respects ctx and Disconnect.
func (b *Bridge) Connect(ctx context.Context) error {
	select {
	case <-b.stopCh:
		return errors.New("bridge stopped")
	default:
	}

	if b.client.IsConnected() {
		return nil
	}

	token := b.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			return errors.Wrap(token.Error(), "mqtt connect")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopCh:
			return errors.New("bridge stopped")
		default:
		}
	}
}

// Run connects and stays subscribed until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.Disconnect()
	if err := b.Connect(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// Notify publishes one reading without waiting for the broker. It implements
// telemetry.Sink.
func (b *Bridge) Notify(data []byte) error {
	frame, err := telemetry.DecodeFrame(data)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(Reading{
		CO2:       frame.CO2(),
		TVOC:      frame.TVOC(),
		Raw:       hex.EncodeToString(data),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "marshal reading")
	}

	token := b.client.Publish(b.opts.Topic, 0, false, payload)
	// The acknowledgement is awaited off the notify tick.
	go b.awaitPublish(token)
	return nil
}

func (b *Bridge) awaitPublish(token mqtt.Token) {
	fields := log.Fields{"topic": b.opts.Topic}
	if !token.WaitTimeout(publishTimeout) {
		log.WithFields(fields).Warn("publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		log.WithFields(fields).Warnf("publish failed: %s", err)
		return
	}
	log.WithFields(fields).Debug("published reading")
}

// Disconnect unsubscribes from the channel and closes the connection. Safe to
// call more than once.
func (b *Bridge) Disconnect() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.channel.Unsubscribe(b.peer())
		b.client.Disconnect(250)
		log.Info("mqtt disconnected")
	})
}
