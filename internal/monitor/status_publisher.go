package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"playout-server/internal/conductor"
	"playout-server/internal/device"
	"playout-server/internal/infra/async"
	"playout-server/internal/infra/mqtt"
)

const _topicPrefix = "playout"

// StatusPublisher bridges the internal event bus to the facility's MQTT
// monitoring plane: device events as they happen plus a periodic status
// digest.
func NewStatusPublisher(
	ticker *time.Ticker,
	client mqtt.Client,
	broker async.InternalBroker,
	cond *conductor.Conductor,
) *StatusPublisher {
	return &StatusPublisher{
		ticker:    ticker,
		client:    client,
		broker:    broker,
		conductor: cond,
	}
}

var _ async.Worker = &StatusPublisher{}

type StatusPublisher struct {
	ticker    *time.Ticker
	client    mqtt.Client
	broker    async.InternalBroker
	conductor *conductor.Conductor
}

type statusDigest struct {
	Code    string            `json:"code"`
	Devices map[string]string `json:"devices"`
}

func (w *StatusPublisher) Run(ctx context.Context, done func()) {
	slog.Debug("status publisher started")
	defer done()

	subscription, err := w.broker.Subscribe(async.TopicDeviceEvents)
	if err != nil {
		slog.Error("subscribing to device events", slog.Any("error", err))
		return
	}
	defer w.broker.Unsubscribe(async.TopicDeviceEvents, subscription)

	for {
		select {
		case <-ctx.Done():
			slog.Info("status publisher cancelled")
			return
		case msg, ok := <-subscription.Receiver:
			if !ok {
				return
			}
			w.publishEvent(msg)
		case <-w.ticker.C:
			w.publishDigest()
		}
	}
}

func (w *StatusPublisher) publishEvent(msg async.BrokerMessage) {
	switch msg.Event {
	case device.EventConnectionChanged, device.EventCommandError, device.EventSlowCommand:
	default:
		return
	}

	payload, ok := msg.Value.(device.EventPayload)
	if !ok {
		slog.Warn("unexpected device event payload", slog.String("event", msg.Event))
		return
	}

	topic := fmt.Sprintf("%s/%s/%s", _topicPrefix, payload.DeviceID, msg.Event)
	if err := w.client.Publish(topic, payload.Value); err != nil {
		slog.Error("publishing device event",
			slog.String("topic", topic),
			slog.Any("error", err))
	}
}

func (w *StatusPublisher) publishDigest() {
	status := w.conductor.Status()
	digest := statusDigest{
		Code:    status.Code.String(),
		Devices: make(map[string]string, len(status.Devices)),
	}
	for id, s := range status.Devices {
		digest.Devices[id] = s.Code.String()
	}

	topic := fmt.Sprintf("%s/status", _topicPrefix)
	if err := w.client.Publish(topic, digest); err != nil {
		slog.Error("publishing status digest", slog.Any("error", err))
	}
}

func (w *StatusPublisher) Shutdown() {
	w.ticker.Stop()
}
