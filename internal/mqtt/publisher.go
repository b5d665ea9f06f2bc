package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/toolhost/internal/buildinfo"
	"github.com/nugget/toolhost/internal/config"
	"github.com/nugget/toolhost/internal/events"
	"github.com/nugget/toolhost/internal/host"
	"github.com/nugget/toolhost/internal/mcp"
)

// DefaultPublishInterval applies when the config leaves the interval
// unset.
const DefaultPublishInterval = time.Minute

// StatusSource supplies the server snapshots that become sensor
// states. *host.Host satisfies it.
type StatusSource interface {
	Status() []host.ServerStatus
}

// client is the publishing half of *autopaho.ConnectionManager.
type client interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection, publishes HA discovery configs
// on (re-)connect and pushes sensor states when servers change.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	source     StatusSource
	bus        *events.Bus
	logger     *slog.Logger
	started    time.Time

	mu     sync.Mutex
	client client
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. bus may be nil, in
// which case states are only published on the periodic tick.
func New(cfg config.MQTTConfig, instanceID string, source StatusSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		source:     source,
		bus:        bus,
		logger:     logger,
		started:    time.Now(),
	}
}

// Device returns the HA device block shared by every entity.
func (p *Publisher) Device() DeviceInfo {
	return p.device
}

// Start connects to the broker and runs the publish loop until ctx is
// cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.publishStates(ctx)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "toolhost-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.client = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "toolhost/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// serverEntity turns a server name into an entity suffix HA accepts:
// lowercase ASCII letters, digits and underscores.
func serverEntity(name string) string {
	var b strings.Builder
	b.WriteString("server_")
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          entity,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

// sensorDefinitions lists the host sensors followed by one sensor per
// server in status order.
func (p *Publisher) sensorDefinitions(servers []host.ServerStatus) []sensorDef {
	uptime := p.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.EntityCategory = "diagnostic"
	uptime.UnitOfMeasurement = "s"
	uptime.StateClass = "measurement"

	version := p.sensor("version", "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"

	ready := p.sensor("servers_ready", "Servers Ready", "mdi:server-network")
	ready.StateClass = "measurement"

	tools := p.sensor("tools_total", "Tools", "mdi:toolbox-outline")
	tools.StateClass = "measurement"
	tools.UnitOfMeasurement = "tools"

	defs := []sensorDef{
		{entitySuffix: "uptime", config: uptime},
		{entitySuffix: "version", config: version},
		{entitySuffix: "servers_ready", config: ready},
		{entitySuffix: "tools_total", config: tools},
	}

	for _, s := range servers {
		entity := serverEntity(s.Name)
		cfg := p.sensor(entity, s.Name, "mdi:server")
		cfg.JsonAttributesTopic = p.attributesTopic(entity)
		defs = append(defs, sensorDef{entitySuffix: entity, config: cfg})
	}
	return defs
}

func (p *Publisher) publishDiscovery(ctx context.Context, c client) {
	for _, s := range p.sensorDefinitions(p.source.Status()) {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := c.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, c client, status string) {
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- State loop ---

// stateTriggers selects the events that cause an immediate state
// publish.
var stateTriggers = events.Any(
	events.Match(events.SourceSupervisor, events.KindStateChange),
	events.Match(events.SourceCatalog, events.KindDiscovery),
)

func (p *Publisher) runLoop(ctx context.Context) {
	interval := p.cfg.PublishInterval
	if interval <= 0 {
		interval = DefaultPublishInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// A nil bus yields a nil channel; only the ticker fires then.
	ch := p.bus.SubscribeFunc(32, stateTriggers)
	defer p.bus.Unsubscribe(ch)

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case _, ok := <-ch:
			if !ok {
				ch = nil
				continue
			}
			p.publishStates(ctx)
		}
	}
}

type stateMessage struct {
	topic   string
	payload string
}

// serverAttributes is the JSON attributes payload of a server sensor.
type serverAttributes struct {
	Command    string    `json:"command"`
	PID        int       `json:"pid,omitempty"`
	Tools      int       `json:"tools"`
	Restarts   int       `json:"restarts"`
	Pending    int       `json:"pending"`
	ReadySince time.Time `json:"ready_since,omitzero"`
	LastError  string    `json:"last_error,omitempty"`
}

// stateMessages renders every sensor state for the given snapshot.
func (p *Publisher) stateMessages(servers []host.ServerStatus, now time.Time) []stateMessage {
	ready, tools := 0, 0
	for _, s := range servers {
		if s.State == mcp.StateReady {
			ready++
		}
		tools += s.Tools
	}

	msgs := []stateMessage{
		{p.stateTopic("uptime"), strconv.FormatInt(int64(now.Sub(p.started)/time.Second), 10)},
		{p.stateTopic("version"), buildinfo.Version},
		{p.stateTopic("servers_ready"), strconv.Itoa(ready)},
		{p.stateTopic("tools_total"), strconv.Itoa(tools)},
	}

	for _, s := range servers {
		entity := serverEntity(s.Name)
		msgs = append(msgs, stateMessage{p.stateTopic(entity), s.State.String()})

		attrs, err := json.Marshal(serverAttributes{
			Command:    s.Command,
			PID:        s.PID,
			Tools:      s.Tools,
			Restarts:   s.Restarts,
			Pending:    s.Pending,
			ReadySince: s.ReadySince,
			LastError:  s.LastError,
		})
		if err != nil {
			p.logger.Error("mqtt marshal server attributes", "server", s.Name, "error", err)
			continue
		}
		msgs = append(msgs, stateMessage{p.attributesTopic(entity), string(attrs)})
	}
	return msgs
}

func (p *Publisher) publishStates(ctx context.Context) {
	p.mu.Lock()
	c := p.client
	p.mu.Unlock()
	if c == nil {
		return
	}

	msgs := p.stateMessages(p.source.Status(), time.Now())
	for _, m := range msgs {
		if _, err := c.Publish(ctx, &paho.Publish{
			Topic:   m.topic,
			Payload: []byte(m.payload),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"topic", m.topic, "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published", "messages", len(msgs))
}
