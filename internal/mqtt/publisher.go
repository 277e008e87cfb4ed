package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zorak1103/nest-protect/internal/entity"
	"github.com/zorak1103/nest-protect/internal/logging"
	"github.com/zorak1103/nest-protect/internal/nest"
)

// Payloads.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
	PayloadOn      = "ON"
	PayloadOff     = "OFF"
)

const (
	commandTimeout = 10 * time.Second
	// commandQueue bounds the hub commands waiting for a vendor write.
	commandQueue = 16
)

// Options configures topics.
type Options struct {
	DiscoveryPrefix string
	BaseTopic       string
	QoS             byte
}

// DeviceSource returns the current device buckets.
type DeviceSource interface {
	Device(objectKey string) (nest.Bucket, bool)
}

// Publisher mirrors the entity registry to the hub.
type Publisher struct {
	opts     Options
	entities *entity.Registry
	devices  DeviceSource
	writer   entity.Writer
	logger   *logging.Logger

	mu     sync.RWMutex
	broker Broker

	// Commands are written by one worker so the broker's message callback
	// never waits on the vendor.
	commands  chan command
	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

type command struct {
	entity entity.Entity
	value  string
}

// NewPublisher creates a publisher. It publishes nothing until OnConnect.
func NewPublisher(opts Options, entities *entity.Registry, devices DeviceSource, writer entity.Writer, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Publisher{
		opts:     opts,
		entities: entities,
		devices:  devices,
		writer:   writer,
		logger:   logger,
		commands: make(chan command, commandQueue),
		done:     make(chan struct{}),
	}
}

// AvailabilityTopic carries online/offline for every entity.
func (p *Publisher) AvailabilityTopic() string {
	return p.opts.BaseTopic + "/status"
}

// objectID turns a unique id into a topic-safe id.
func objectID(uniqueID string) string {
	return strings.NewReplacer(".", "_", "/", "_", "+", "_", "#", "_").Replace(uniqueID)
}

// DiscoveryTopic is the retained config topic of an entity.
func (p *Publisher) DiscoveryTopic(e entity.Entity) string {
	return fmt.Sprintf("%s/%s/%s/config", p.opts.DiscoveryPrefix, e.Platform(), objectID(e.UniqueID))
}

// StateTopic is the retained state topic of an entity.
func (p *Publisher) StateTopic(e entity.Entity) string {
	return fmt.Sprintf("%s/%s/state", p.opts.BaseTopic, objectID(e.UniqueID))
}

// CommandTopic receives hub commands for switches and selects.
func (p *Publisher) CommandTopic(e entity.Entity) string {
	return fmt.Sprintf("%s/%s/set", p.opts.BaseTopic, objectID(e.UniqueID))
}

func (p *Publisher) hubStatusTopic() string {
	return p.opts.DiscoveryPrefix + "/status"
}

// OnConnect runs after every broker (re)connect: it announces availability,
// publishes discovery and state, and subscribes to commands and hub restarts.
func (p *Publisher) OnConnect(b Broker) {
	p.mu.Lock()
	p.broker = b
	p.mu.Unlock()
	p.startOnce.Do(func() { go p.runCommands() })

	p.publish(p.AvailabilityTopic(), []byte(PayloadOnline))

	all := p.entities.List()
	p.Discover(all)
	p.publishStates(all)

	commands := fmt.Sprintf("%s/+/set", p.opts.BaseTopic)
	if err := b.Subscribe(commands, p.opts.QoS, p.handleCommand); err != nil {
		p.logger.Error("Failed to subscribe to command topics", "topic", commands, "error", err)
	}
	if err := b.Subscribe(p.hubStatusTopic(), p.opts.QoS, p.handleHubStatus); err != nil {
		p.logger.Error("Failed to subscribe to hub status", "error", err)
	}
}

// Close stops the command worker, marks every entity offline and
// disconnects.
func (p *Publisher) Close() {
	p.stopOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	b := p.broker
	p.broker = nil
	p.mu.Unlock()

	if b == nil {
		return
	}
	if err := b.Publish(p.AvailabilityTopic(), p.opts.QoS, true, []byte(PayloadOffline)); err != nil {
		p.logger.Warn("Failed to publish offline status", "error", err)
	}
	b.Close()
}

// Discover publishes the discovery config of each entity.
func (p *Publisher) Discover(entities []entity.Entity) {
	for _, e := range entities {
		data, err := json.Marshal(p.discoveryConfig(e))
		if err != nil {
			p.logger.Error("Failed to marshal discovery config", "unique_id", e.UniqueID, "error", err)
			continue
		}
		p.publish(p.DiscoveryTopic(e), data)
	}
}

// Remove clears the retained discovery config so the hub drops the entity.
func (p *Publisher) Remove(entities []entity.Entity) {
	for _, e := range entities {
		p.publish(p.DiscoveryTopic(e), nil)
	}
}

// PublishDevice publishes discovery and state for every entity of a device.
// Discovery is repeated because the device name may have changed.
func (p *Publisher) PublishDevice(b nest.Bucket) {
	entities := p.entities.ForObject(b.ObjectKey)
	p.Discover(entities)
	for _, e := range entities {
		p.publishState(e, b)
	}
}

func (p *Publisher) publishStates(entities []entity.Entity) {
	for _, e := range entities {
		b, ok := p.devices.Device(e.ObjectKey)
		if !ok {
			continue
		}
		p.publishState(e, b)
	}
}

func (p *Publisher) publishState(e entity.Entity, b nest.Bucket) {
	state, ok := e.State(b)
	if !ok {
		return
	}
	p.publish(p.StateTopic(e), []byte(FormatState(state)))
}

// FormatState renders an entity state as an MQTT payload.
func FormatState(state any) string {
	switch v := state.(type) {
	case bool:
		if v {
			return PayloadOn
		}
		return PayloadOff
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (p *Publisher) discoveryConfig(e entity.Entity) map[string]any {
	d := e.Description
	cfg := map[string]any{
		"name":               d.Name,
		"unique_id":          objectID(e.UniqueID),
		"object_id":          objectID(e.UniqueID),
		"state_topic":        p.StateTopic(e),
		"availability_topic": p.AvailabilityTopic(),
		"device":             e.Device,
	}
	if d.DeviceClass != "" {
		cfg["device_class"] = d.DeviceClass
	}
	if d.Category != entity.CategoryNone {
		cfg["entity_category"] = string(d.Category)
	}
	if d.Icon != "" {
		cfg["icon"] = d.Icon
	}
	if d.Unit != "" {
		cfg["unit_of_measurement"] = d.Unit
	}
	if d.StateClass != "" {
		cfg["state_class"] = d.StateClass
	}

	switch e.Platform() {
	case entity.PlatformBinarySensor:
		cfg["payload_on"] = PayloadOn
		cfg["payload_off"] = PayloadOff
	case entity.PlatformSwitch:
		cfg["payload_on"] = PayloadOn
		cfg["payload_off"] = PayloadOff
		cfg["command_topic"] = p.CommandTopic(e)
	case entity.PlatformSelect:
		cfg["options"] = d.Options
		cfg["command_topic"] = p.CommandTopic(e)
	}
	return cfg
}

func (p *Publisher) publish(topic string, payload []byte) {
	p.mu.RLock()
	b := p.broker
	p.mu.RUnlock()

	if b == nil {
		return
	}
	if err := b.Publish(topic, p.opts.QoS, true, payload); err != nil {
		p.logger.Warn("MQTT publish failed", "topic", topic, "error", err)
	}
}

func (p *Publisher) handleHubStatus(_ string, payload []byte) {
	if string(payload) != PayloadOnline {
		return
	}
	p.logger.Info("Hub came online, re-publishing discovery")
	all := p.entities.List()
	p.Discover(all)
	p.publishStates(all)
}

// handleCommand resolves <base>/<object id>/set to an entity and queues
// the requested value for the command worker. It never blocks.
func (p *Publisher) handleCommand(topic string, payload []byte) {
	id, ok := strings.CutPrefix(topic, p.opts.BaseTopic+"/")
	if !ok {
		return
	}
	id, ok = strings.CutSuffix(id, "/set")
	if !ok {
		return
	}

	e, ok := p.findByObjectID(id)
	if !ok {
		p.logger.Warn("MQTT command for unknown entity", "topic", topic)
		return
	}
	if platform := e.Platform(); platform != entity.PlatformSwitch && platform != entity.PlatformSelect {
		p.logger.Warn("MQTT command for read-only entity", "unique_id", e.UniqueID)
		return
	}

	value := strings.TrimSpace(string(payload))
	select {
	case p.commands <- command{entity: e, value: value}:
	default:
		p.logger.Warn("MQTT command queue full, dropping command", "unique_id", e.UniqueID, "payload", value)
	}
}

func (p *Publisher) runCommands() {
	for {
		select {
		case <-p.done:
			return
		case c := <-p.commands:
			p.execute(c)
		}
	}
}

// execute writes one command to the vendor.
func (p *Publisher) execute(c command) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	p.logger.Info("MQTT command", "unique_id", c.entity.UniqueID, "payload", c.value)

	var err error
	switch {
	case c.entity.Platform() == entity.PlatformSelect:
		err = entity.SelectOption(ctx, p.writer, c.entity, c.value)
	case strings.EqualFold(c.value, PayloadOn):
		err = entity.TurnOn(ctx, p.writer, c.entity)
	default:
		err = entity.TurnOff(ctx, p.writer, c.entity)
	}
	if err != nil {
		p.logger.Error("MQTT command failed", "unique_id", c.entity.UniqueID, "error", err)
	}
}

func (p *Publisher) findByObjectID(id string) (entity.Entity, bool) {
	for _, e := range p.entities.List() {
		if objectID(e.UniqueID) == id {
			return e, true
		}
	}
	return entity.Entity{}, false
}
