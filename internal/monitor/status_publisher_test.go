package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"playout-server/internal/conductor"
	"playout-server/internal/device"
	"playout-server/internal/infra/async"
	"playout-server/internal/infra/clock"
	"playout-server/internal/infra/mqtt"
	"playout-server/internal/timeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishedMessage struct {
	Topic   string
	Payload any
}

type fakeMQTTClient struct {
	mu        sync.Mutex
	published []publishedMessage
}

func (c *fakeMQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) error {
	return nil
}

func (c *fakeMQTTClient) Publish(topic string, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publishedMessage{Topic: topic, Payload: msg})
	return nil
}

func (c *fakeMQTTClient) Disconnect() {}

func (c *fakeMQTTClient) messages() []publishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishedMessage(nil), c.published...)
}

func newTestPublisher(t *testing.T) (*StatusPublisher, *fakeMQTTClient, *async.LocalBroker, func()) {
	t.Helper()
	broker := async.NewLocalBroker()
	cond := conductor.New(
		clock.NewMockClock(10000),
		timeline.NewService(timeline.NewSimpleResolver()),
		broker,
		conductor.Options{},
	)
	client := &fakeMQTTClient{}
	ticker := time.NewTicker(10 * time.Millisecond)
	worker := NewStatusPublisher(ticker, client, broker, cond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go worker.Run(ctx, func() { close(done) })

	// Run subscribes before its first digest, so a digest means events
	// published from here on reach the worker
	require.Eventually(t, func() bool { return len(client.messages()) > 0 }, time.Second, time.Millisecond)

	cleanup := func() {
		cancel()
		<-done
		worker.Shutdown()
		cond.Shutdown()
		broker.Stop()
	}
	return worker, client, broker, cleanup
}

func TestStatusPublisherForwardsConnectionEvents(t *testing.T) {
	_, client, broker, cleanup := newTestPublisher(t)
	defer cleanup()

	err := broker.Publish(context.Background(), async.TopicDeviceEvents, async.BrokerMessage{
		Event: device.EventConnectionChanged,
		Value: device.EventPayload{DeviceID: "play0", Value: device.ConnectionChange{Connected: false}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, msg := range client.messages() {
			if msg.Topic == "playout/play0/connectionChanged" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestStatusPublisherIgnoresDebugEvents(t *testing.T) {
	_, client, broker, cleanup := newTestPublisher(t)
	defer cleanup()

	err := broker.Publish(context.Background(), async.TopicDeviceEvents, async.BrokerMessage{
		Event: device.EventDebug,
		Value: device.EventPayload{DeviceID: "play0", Value: "noise"},
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	for _, msg := range client.messages() {
		assert.NotContains(t, msg.Topic, "debug")
	}
}

func TestStatusPublisherPublishesDigest(t *testing.T) {
	_, client, _, cleanup := newTestPublisher(t)
	defer cleanup()

	require.Eventually(t, func() bool {
		for _, msg := range client.messages() {
			if msg.Topic == "playout/status" {
				digest, ok := msg.Payload.(statusDigest)
				return ok && digest.Code == "GOOD"
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
