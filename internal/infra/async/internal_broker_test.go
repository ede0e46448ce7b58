package async_test

import (
	"context"
	"testing"
	"time"

	"playout-server/internal/infra/async"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBrokerPublishSubscribe(t *testing.T) {
	broker := async.NewLocalBroker()
	defer broker.Stop()

	sub, err := broker.Subscribe(async.TopicDeviceEvents)
	require.NoError(t, err)

	err = broker.Publish(context.Background(), async.TopicDeviceEvents, async.BrokerMessage{
		Event: "connectionChanged",
		Value: true,
	})
	require.NoError(t, err)

	select {
	case msg := <-sub.Receiver:
		assert.Equal(t, "connectionChanged", msg.Event)
		assert.Equal(t, true, msg.Value)
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestLocalBrokerPublishWithoutSubscribers(t *testing.T) {
	broker := async.NewLocalBroker()
	defer broker.Stop()

	err := broker.Publish(context.Background(), async.TopicCommands, async.BrokerMessage{Event: "debug"})
	assert.NoError(t, err)
}

func TestLocalBrokerUnsubscribe(t *testing.T) {
	broker := async.NewLocalBroker()
	defer broker.Stop()

	sub, err := broker.Subscribe(async.TopicCommands)
	require.NoError(t, err)

	err = broker.Unsubscribe(async.TopicCommands, sub)
	require.NoError(t, err)

	_, open := <-sub.Receiver
	assert.False(t, open)
}

func TestLocalBrokerUnsubscribeUnknownTopic(t *testing.T) {
	broker := async.NewLocalBroker()
	defer broker.Stop()

	err := broker.Unsubscribe(async.BrokerTopicName("nope"), async.Subscription{ID: "x"})
	assert.ErrorIs(t, err, async.ErrTopicNotFound)
}
