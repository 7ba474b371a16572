package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-livesim/internal/broadcast"
	"github.com/ukydev/fleet-livesim/internal/models"
)

const connectTimeout = 10 * time.Second

// NewMQTTClient builds an auto-reconnecting paho client for broker.
func NewMQTTClient(broker, clientID string) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).WithField("broker", broker).Warn("MQTT connection lost")
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.WithField("broker", broker).Info("MQTT connected")
	})
	return mqtt.NewClient(opts)
}

// MQTTBridge mirrors hub position updates onto MQTT topics and feeds GPS
// updates published under <prefix>/gps/<vehicleId> into the hub.
//
// Outbound positions go to <prefix>/all-vehicles and
// <prefix>/route/<routeId>.
type MQTTBridge struct {
	client mqtt.Client
	prefix string
	hub    Hub
	qos    byte
}

// NewMQTTBridge creates a bridge on an unconnected or connected client.
func NewMQTTBridge(client mqtt.Client, prefix string, hub Hub) *MQTTBridge {
	return &MQTTBridge{
		client: client,
		prefix: strings.Trim(prefix, "/"),
		hub:    hub,
	}
}

// ID returns the bridge's subscriber handle.
func (b *MQTTBridge) ID() string { return "mqtt:" + b.prefix }

// GPSTopic is the subscription filter for inbound feeds.
func (b *MQTTBridge) GPSTopic() string { return b.prefix + "/gps/+" }

// Start connects, subscribes to the GPS feed and joins the hub.
func (b *MQTTBridge) Start(ctx context.Context) error {
	if !b.client.IsConnected() {
		token := b.client.Connect()
		if !token.WaitTimeout(connectTimeout) {
			return fmt.Errorf("mqtt connect timed out: %w", models.ErrTransientIO)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w: %v", models.ErrTransientIO, err)
		}
	}

	token := b.client.Subscribe(b.GPSTopic(), b.qos, func(_ mqtt.Client, m mqtt.Message) {
		b.handleGPS(ctx, m.Topic(), m.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w: %v", b.GPSTopic(), models.ErrTransientIO, token.Error())
	}

	if err := b.hub.HandleClient(ctx, b, broadcast.ClientMessage{Type: broadcast.ClientSubscribe, Topic: broadcast.TopicAllVehicles}); err != nil {
		return fmt.Errorf("join hub: %w", err)
	}
	log.WithField("prefix", b.prefix).Info("MQTT bridge started")
	return nil
}

// Stop leaves the hub and disconnects.
func (b *MQTTBridge) Stop() {
	b.hub.LeaveAll(b.ID())
	b.client.Unsubscribe(b.GPSTopic()).WaitTimeout(time.Second)
	b.client.Disconnect(250)
}

func (b *MQTTBridge) handleGPS(ctx context.Context, topic string, payload []byte) {
	var msg broadcast.ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.WithError(err).WithField("topic", topic).Warn("Malformed GPS payload")
		return
	}
	msg.Type = broadcast.ClientLocationUpdate
	if msg.VehicleID == "" {
		msg.VehicleID = topic[strings.LastIndex(topic, "/")+1:]
	}
	if err := b.hub.HandleClient(ctx, nil, msg); err != nil {
		log.WithError(err).WithField("topic", topic).Warn("Rejected GPS update")
	}
}

// Send publishes a hub message without waiting for the broker.
func (b *MQTTBridge) Send(_ context.Context, msg broadcast.Message) error {
	if !b.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt not connected: %w", models.ErrTransientIO)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	topics := []string{b.prefix + "/" + msg.Topic}
	if u, ok := msg.Data.(models.PositionUpdate); ok && u.RouteID != "" {
		topics = append(topics, b.prefix+"/route/"+u.RouteID)
	}
	for _, t := range topics {
		token := b.client.Publish(t, b.qos, false, data)
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt publish %s: %w: %v", t, models.ErrTransientIO, err)
			}
		default:
		}
	}
	return nil
}
