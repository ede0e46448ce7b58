package device_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"playout-server/internal/device"
	"playout-server/internal/infra/async"
	"playout-server/internal/infra/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	fired []int64
}

func (r *recorder) handler(ctx context.Context, t int64, payload device.CommandWithContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, t)
	return nil
}

func (r *recorder) times() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.fired...)
}

func TestDoOnTimeFiresInOrder(t *testing.T) {
	mock := clock.NewMockClock(10000)
	queue := device.NewDoOnTime(mock, device.SendModeInOrder, nil)
	rec := &recorder{}

	queue.Queue(10300, "q", rec.handler, device.CommandWithContext{})
	queue.Queue(10100, "q", rec.handler, device.CommandWithContext{})
	queue.Queue(10200, "q", rec.handler, device.CommandWithContext{})

	mock.Advance(50 * time.Millisecond)
	assert.Empty(t, rec.times())

	mock.Advance(300 * time.Millisecond)
	assert.Equal(t, []int64{10100, 10200, 10300}, rec.times())
	assert.Empty(t, queue.GetQueue())
}

func TestDoOnTimeBurstFiresAllDueEntries(t *testing.T) {
	mock := clock.NewMockClock(0)
	queue := device.NewDoOnTime(mock, device.SendModeBurst, nil)
	rec := &recorder{}

	queue.Queue(100, "q", rec.handler, device.CommandWithContext{})
	queue.Queue(200, "q", rec.handler, device.CommandWithContext{})

	mock.Advance(time.Second)
	require.Eventually(t, func() bool { return len(rec.times()) == 2 }, time.Second, time.Millisecond)
	assert.ElementsMatch(t, []int64{100, 200}, rec.times())
}

func TestDoOnTimeTieBrokenByInsertionOrder(t *testing.T) {
	mock := clock.NewMockClock(0)
	queue := device.NewDoOnTime(mock, device.SendModeInOrder, nil)

	var order []string
	handler := func(name string) device.DispatchHandler {
		return func(ctx context.Context, _ int64, _ device.CommandWithContext) error {
			order = append(order, name)
			return nil
		}
	}
	queue.Queue(100, "q", handler("first"), device.CommandWithContext{})
	queue.Queue(100, "q", handler("second"), device.CommandWithContext{})

	mock.Advance(100 * time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestDoOnTimeClearQueueNowAndAfter(t *testing.T) {
	mock := clock.NewMockClock(0)
	queue := device.NewDoOnTime(mock, device.SendModeInOrder, nil)
	rec := &recorder{}

	queue.Queue(100, "q", rec.handler, device.CommandWithContext{})
	queue.Queue(200, "q", rec.handler, device.CommandWithContext{})
	queue.Queue(300, "q", rec.handler, device.CommandWithContext{})

	queue.ClearQueueNowAndAfter(200)
	require.Len(t, queue.GetQueue(), 1)

	mock.Advance(time.Second)
	assert.Equal(t, []int64{100}, rec.times())
}

func TestDoOnTimeClearQueueAfterIsExclusive(t *testing.T) {
	mock := clock.NewMockClock(0)
	queue := device.NewDoOnTime(mock, device.SendModeInOrder, nil)
	rec := &recorder{}

	queue.Queue(100, "q", rec.handler, device.CommandWithContext{})
	queue.Queue(200, "q", rec.handler, device.CommandWithContext{})

	queue.ClearQueueAfter(100)
	mock.Advance(time.Second)
	assert.Equal(t, []int64{100}, rec.times())
}

func TestDoOnTimeHandlerErrorEmitsErrorEvent(t *testing.T) {
	mock := clock.NewMockClock(0)
	broker := async.NewLocalBroker()
	defer broker.Stop()
	sub, err := broker.Subscribe(async.TopicDeviceEvents)
	require.NoError(t, err)

	queue := device.NewDoOnTime(mock, device.SendModeInOrder, device.NewEmitter("dev0", broker))
	failing := func(ctx context.Context, _ int64, _ device.CommandWithContext) error {
		return errors.New("transport broke")
	}
	rec := &recorder{}
	queue.Queue(100, "q", failing, device.CommandWithContext{})
	queue.Queue(200, "q", rec.handler, device.CommandWithContext{})

	mock.Advance(time.Second)

	assert.Equal(t, []int64{200}, rec.times(), "error must not block the queue")
	select {
	case msg := <-sub.Receiver:
		assert.Equal(t, device.EventError, msg.Event)
	case <-time.After(time.Second):
		t.Fatal("error event not emitted")
	}
}

func TestDoOnTimeSlowCommandEvent(t *testing.T) {
	mock := clock.NewMockClock(0)
	broker := async.NewLocalBroker()
	defer broker.Stop()
	sub, err := broker.Subscribe(async.TopicDeviceEvents)
	require.NoError(t, err)

	queue := device.NewDoOnTime(mock, device.SendModeInOrder, device.NewEmitter("dev0", broker))
	queue.SetSlowLimit(100 * time.Millisecond)

	blocking := func(ctx context.Context, _ int64, _ device.CommandWithContext) error {
		// predecessor overruns: the clock moves while it "executes"
		mock.Set(mock.Now() + 400)
		return nil
	}
	rec := &recorder{}
	queue.Queue(100, "q", blocking, device.CommandWithContext{})
	queue.Queue(150, "q", rec.handler, device.CommandWithContext{})

	mock.Advance(150 * time.Millisecond)
	mock.Tick()

	assert.Equal(t, []int64{150}, rec.times())
	found := false
	for {
		select {
		case msg := <-sub.Receiver:
			if msg.Event == device.EventSlowCommand {
				found = true
			}
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}
	assert.True(t, found, "slowCommand should be emitted for the delayed entry")
}

func TestDoOnTimeDispose(t *testing.T) {
	mock := clock.NewMockClock(0)
	queue := device.NewDoOnTime(mock, device.SendModeInOrder, nil)
	rec := &recorder{}

	queue.Queue(100, "q", rec.handler, device.CommandWithContext{})
	queue.Dispose()

	mock.Advance(time.Second)
	assert.Empty(t, rec.times())
	assert.Empty(t, queue.GetQueue())

	token := queue.Queue(200, "q", rec.handler, device.CommandWithContext{})
	assert.Empty(t, token)
}

func TestDoOnTimeRemoveByToken(t *testing.T) {
	mock := clock.NewMockClock(0)
	queue := device.NewDoOnTime(mock, device.SendModeInOrder, nil)
	rec := &recorder{}

	token := queue.Queue(100, "q", rec.handler, device.CommandWithContext{})
	assert.True(t, queue.Remove(token))
	assert.False(t, queue.Remove(token))

	mock.Advance(time.Second)
	assert.Empty(t, rec.times())
}
