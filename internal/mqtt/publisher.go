package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/hollowoak/moonbridge/internal/config"
	"github.com/hollowoak/moonbridge/internal/coordinator"
	"github.com/hollowoak/moonbridge/internal/sensor"
)

// ThumbnailFetcher downloads gcode thumbnail bytes by their path
// relative to the gcodes root. Satisfied by moonraker.HTTPClient.
type ThumbnailFetcher interface {
	Thumbnail(ctx context.Context, relativePath string) ([]byte, string, error)
}

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and converts printer snapshots into
// retained sensor state messages. It implements poller.SnapshotSink.
type Publisher struct {
	cfg         config.MQTTConfig
	instanceID  string
	device      DeviceInfo
	descriptors []sensor.Descriptor
	thumbs      ThumbnailFetcher
	logger      *slog.Logger
	cm          *autopaho.ConnectionManager

	mu        sync.Mutex
	lastThumb string
	hasThumb  bool
	swVersion string
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection.
func New(cfg config.MQTTConfig, instanceID string, descriptors []sensor.Descriptor, thumbs ThumbnailFetcher, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:         cfg,
		instanceID:  instanceID,
		device:      NewDeviceInfo(instanceID, cfg.DeviceName),
		descriptors: descriptors,
		thumbs:      thumbs,
		logger:      logger,
	}
}

// Start connects to the MQTT broker and blocks until ctx is cancelled.
// On every (re-)connect it publishes discovery configs and a birth
// message; state messages arrive via PublishSnapshot from the polling
// loop.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "moonbridge-" + p.cfg.DeviceName,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	// Wait for the initial connection before reporting started.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. Useful for connwatch health probes.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// deviceInfo returns the HA device block, with the software version
// replaced by the printer's Klipper version once a snapshot has
// reported one.
func (p *Publisher) deviceInfo() DeviceInfo {
	info := p.device
	p.mu.Lock()
	if p.swVersion != "" {
		info.SWVersion = p.swVersion
	}
	p.mu.Unlock()
	return info
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "moonbridge/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) imageTopic() string {
	return p.baseTopic() + "/thumbnail/image"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	device := p.deviceInfo()
	defs := make([]sensorDef, 0, len(p.descriptors))
	for _, d := range p.descriptors {
		// Short name plus has_entity_name so HA derives entity IDs
		// relative to the device (avoids the double-prefix pattern
		// sensor.printer_printer_progress).
		defs = append(defs, sensorDef{
			entitySuffix: d.Key,
			config: SensorConfig{
				Name:              d.Name,
				ObjectID:          d.Key,
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_" + d.Key,
				StateTopic:        p.stateTopic(d.Key),
				AvailabilityTopic: avail,
				Device:            device,
				Icon:              d.Icon,
				UnitOfMeasurement: d.Unit,
				DeviceClass:       d.DeviceClass,
				StateClass:        d.StateClass,
			},
		})
	}
	return defs
}

func (p *Publisher) thumbnailDefinition() ImageConfig {
	return ImageConfig{
		Name:              "Thumbnail",
		ObjectID:          "thumbnail",
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_thumbnail",
		ImageTopic:        p.imageTopic(),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.deviceInfo(),
		Icon:              "mdi:image",
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		p.publishConfig(ctx, cm, p.discoveryTopic("sensor", s.entitySuffix), s.entitySuffix, s.config)
	}
	p.publishConfig(ctx, cm, p.discoveryTopic("image", "thumbnail"), "thumbnail", p.thumbnailDefinition())
}

func (p *Publisher) publishConfig(ctx context.Context, cm *autopaho.ConnectionManager, topic, entity string, cfg any) {
	payload, err := json.Marshal(cfg)
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload",
			"entity", entity, "error", err)
		return
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt discovery publish failed",
			"entity", entity, "topic", topic, "error", err)
	} else {
		p.logger.Debug("mqtt discovery published",
			"entity", entity, "topic", topic)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
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

// --- Snapshot state publishing ---

// PublishSnapshot converts one printer snapshot into retained sensor
// state messages plus, when the current print's thumbnail changed, a
// raw image payload. Called by the polling loop after each successful
// refresh.
func (p *Publisher) PublishSnapshot(ctx context.Context, snap *coordinator.Snapshot) {
	if p.cm == nil || snap == nil {
		return
	}

	// Adopt the printer's Klipper version into the HA device block the
	// first time a snapshot reports it (or when it changes after a
	// firmware update), then refresh the retained discovery configs.
	if v := snap.Info.SoftwareVersion; v != "" {
		p.mu.Lock()
		changed := v != p.swVersion
		p.swVersion = v
		p.mu.Unlock()
		if changed {
			p.publishDiscovery(ctx, p.cm)
		}
	}

	for _, d := range p.descriptors {
		value := snap.SensorState(d)
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(d.Key),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", d.Key, "error", err)
		}
	}

	p.publishThumbnail(ctx, snap.Thumbnail)

	p.logger.Debug("mqtt sensor states published",
		"entities", len(p.descriptors))
}

// publishThumbnail fetches and publishes the thumbnail image only when
// the path changed since the last publish. An empty path means the
// current file has no preview; the retained image is then cleared with
// an empty payload so HA does not keep showing a stale print.
func (p *Publisher) publishThumbnail(ctx context.Context, relativePath string) {
	if p.thumbs == nil {
		return
	}

	p.mu.Lock()
	changed := relativePath != p.lastThumb || !p.hasThumb
	p.mu.Unlock()
	if !changed {
		return
	}

	var data []byte
	if relativePath != "" {
		var contentType string
		var err error
		data, contentType, err = p.thumbs.Thumbnail(ctx, relativePath)
		if err != nil {
			p.logger.Warn("thumbnail fetch failed",
				"path", relativePath, "error", err)
			return
		}
		p.logger.Debug("thumbnail fetched",
			"path", relativePath, "bytes", len(data), "content_type", contentType)
	}

	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.imageTopic(),
		Payload: data,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("thumbnail publish failed",
			"path", relativePath, "error", err)
		return
	}

	p.mu.Lock()
	p.lastThumb = relativePath
	p.hasThumb = true
	p.mu.Unlock()
}
