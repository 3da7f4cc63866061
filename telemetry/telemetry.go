// Package telemetry publishes periodic device snapshots over MQTT.
// An empty broker address disables the publisher entirely.
package telemetry

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/reflow-station/ovenctl/device"
)

// mqttClient is the slice of paho the publisher uses.
type mqttClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// test seam
var newClient = func(opts *mqtt.ClientOptions) mqttClient {
	return mqtt.NewClient(opts)
}

// Source yields the device whose snapshots get published.
type Source interface {
	Selected() *device.Device
}

// Config configures the publisher.
type Config struct {
	Broker   string
	ClientID string
	Topic    string
	Interval time.Duration
}

// Publisher emits the selected device's snapshot on a fixed interval
// under <topic>/<device-id>/sample.
type Publisher struct {
	cfg      Config
	client   mqttClient
	registry Source
	logger   zerolog.Logger
	stop     chan struct{}
	done     chan struct{}
}

// Start connects to the broker and begins publishing. It returns nil
// with no publisher when the broker address is empty.
func Start(cfg Config, reg Source, logger zerolog.Logger) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, nil
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "ovenctl"
	}
	if cfg.Topic == "" {
		cfg.Topic = "ovenctl"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	p := &Publisher{
		cfg:      cfg,
		client:   newClient(opts),
		registry: reg,
		logger:   logger.With().Str("component", "telemetry").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to broker %s: %w", cfg.Broker, token.Error())
	}
	go p.run()
	p.logger.Info().Str("broker", cfg.Broker).Str("topic", cfg.Topic).Msg("telemetry publisher started")
	return p, nil
}

func (p *Publisher) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.publish()
		}
	}
}

func (p *Publisher) publish() {
	snap := p.registry.Selected().Snapshot()
	payload, err := json.Marshal(snap)
	if err != nil {
		p.logger.Warn().Err(err).Msg("encoding snapshot failed")
		return
	}
	topic := fmt.Sprintf("%s/%s/sample", p.cfg.Topic, snap.ID)
	token := p.client.Publish(topic, 0, false, payload)
	if token.Wait() && token.Error() != nil {
		p.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("publish failed")
	}
}

// Stop halts the feed and disconnects from the broker.
func (p *Publisher) Stop() {
	close(p.stop)
	<-p.done
	p.client.Disconnect(250)
}
