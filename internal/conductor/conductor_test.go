package conductor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"playout-server/internal/conductor"
	"playout-server/internal/device"
	"playout-server/internal/device/mediaserver"
	"playout-server/internal/infra/async"
	"playout-server/internal/infra/clock"
	"playout-server/internal/timeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentCommand struct {
	Time    int64
	Command mediaserver.Command
}

type commandRecorder struct {
	mu   sync.Mutex
	sent []sentCommand
}

func (r *commandRecorder) receive(ctx context.Context, t int64, cmd mediaserver.Command, _ string, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentCommand{Time: t, Command: cmd})
	return nil
}

func (r *commandRecorder) commands() []sentCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentCommand(nil), r.sent...)
}

func (r *commandRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

func int64Ptr(v int64) *int64 { return &v }

type fixture struct {
	mock      *clock.MockClock
	broker    *async.LocalBroker
	conductor *conductor.Conductor
	recorder  *commandRecorder
	device    *mediaserver.Device
}

func newFixture(t *testing.T, opts conductor.Options) *fixture {
	t.Helper()
	mock := clock.NewMockClock(10000)
	broker := async.NewLocalBroker()
	t.Cleanup(broker.Stop)

	service := timeline.NewService(timeline.NewSimpleResolver())
	cond := conductor.New(mock, service, broker, opts)
	t.Cleanup(cond.Shutdown)

	rec := &commandRecorder{}
	dev := mediaserver.New("play0", "playout server 0", mediaserver.Options{
		UseScheduling:   true,
		TimeBase:        25,
		CommandReceiver: rec.receive,
	}, mock, broker)
	require.NoError(t, cond.AddDevice(context.Background(), dev))
	cond.SetMappings(timeline.Mappings{
		"pgm": {DeviceType: timeline.DeviceTypeMediaServer, DeviceID: "play0", Channel: 1, Layer: 10},
	})

	return &fixture{mock: mock, broker: broker, conductor: cond, recorder: rec, device: dev}
}

func lookaheadTimeline() []timeline.Object {
	return []timeline.Object{
		{
			ID:          "la0",
			Layer:       "pgm",
			IsLookahead: true,
			Enable:      timeline.Enable{Start: timeline.AbsTime(10000), Duration: int64Ptr(1200)},
			Content: timeline.Content{
				DeviceType: timeline.DeviceTypeMediaServer,
				Media:      &timeline.MediaContent{Clip: "NEXT"},
			},
		},
		{
			ID:     "next0",
			Layer:  "pgm",
			Enable: timeline.Enable{Start: timeline.AbsTime(11200), Duration: int64Ptr(2000)},
			Content: timeline.Content{
				DeviceType: timeline.DeviceTypeMediaServer,
				Media:      &timeline.MediaContent{Clip: "NEXT", Length: int64Ptr(2000)},
			},
		},
	}
}

func TestConductorDispatchesLookaheadPipeline(t *testing.T) {
	f := newFixture(t, conductor.Options{})

	f.conductor.SetTimeline(lookaheadTimeline())
	f.mock.Advance(time.Millisecond)

	sent := f.recorder.commands()
	require.Len(t, sent, 3)
	assert.Equal(t, mediaserver.CommandLoadBackground, sent[0].Command.Type)
	assert.Equal(t, "NEXT", sent[0].Command.Clip)

	require.Equal(t, mediaserver.CommandScheduleSet, sent[1].Command.Type)
	assert.Equal(t, "00:00:11:05", sent[1].Command.Timecode)
	assert.Equal(t, mediaserver.CommandPlay, sent[1].Command.Command.Type)

	require.Equal(t, mediaserver.CommandScheduleSet, sent[2].Command.Type)
	assert.Equal(t, mediaserver.CommandClear, sent[2].Command.Command.Type)
}

func TestConductorTimelineReplacementRetracts(t *testing.T) {
	f := newFixture(t, conductor.Options{})

	f.conductor.SetTimeline(lookaheadTimeline())
	f.mock.Advance(time.Millisecond)
	f.recorder.reset()

	f.conductor.SetTimeline(nil)
	f.mock.Advance(time.Millisecond)

	sent := f.recorder.commands()
	require.Len(t, sent, 3)
	assert.Equal(t, mediaserver.CommandScheduleRemove, sent[0].Command.Type)
	assert.Equal(t, mediaserver.CommandScheduleRemove, sent[1].Command.Type)
	assert.Equal(t, mediaserver.CommandLoadBackground, sent[2].Command.Type)
	assert.Equal(t, mediaserver.ClipEmpty, sent[2].Command.Clip)

	f.recorder.reset()
	f.mock.Advance(30 * time.Second)
	assert.Empty(t, f.recorder.commands(), "empty timeline settles silent")
}

func TestConductorHorizonAdvancesWithTicks(t *testing.T) {
	f := newFixture(t, conductor.Options{Lookahead: 5 * time.Second, TickInterval: time.Second})

	// starts one second past the first horizon of 15000
	f.conductor.SetTimeline([]timeline.Object{{
		ID:     "later0",
		Layer:  "pgm",
		Enable: timeline.Enable{Start: timeline.AbsTime(16000), Duration: int64Ptr(1000)},
		Content: timeline.Content{
			DeviceType: timeline.DeviceTypeMediaServer,
			Media:      &timeline.MediaContent{Clip: "LATER", Length: int64Ptr(1000)},
		},
	}})
	f.mock.Advance(time.Millisecond)
	assert.Empty(t, f.recorder.commands())

	f.mock.Advance(time.Second)
	sent := f.recorder.commands()
	require.Len(t, sent, 1)
	require.Equal(t, mediaserver.CommandScheduleSet, sent[0].Command.Type)
	assert.Equal(t, "00:00:16:00", sent[0].Command.Timecode)
	assert.Equal(t, "LATER", sent[0].Command.Command.Clip)
}

func TestConductorMappingChangeClearsUnroutedLayer(t *testing.T) {
	f := newFixture(t, conductor.Options{})

	f.conductor.SetTimeline([]timeline.Object{{
		ID:     "amb0",
		Layer:  "pgm",
		Enable: timeline.Enable{While: "1"},
		Content: timeline.Content{
			DeviceType: timeline.DeviceTypeMediaServer,
			Media:      &timeline.MediaContent{Clip: "AMB", Loop: true},
		},
	}})
	f.mock.Advance(time.Millisecond)
	require.Len(t, f.recorder.commands(), 1)
	f.recorder.reset()

	// the layer no longer routes to this device
	f.conductor.SetMappings(timeline.Mappings{})
	f.mock.Advance(time.Millisecond)

	sent := f.recorder.commands()
	require.Len(t, sent, 1)
	assert.Equal(t, mediaserver.CommandClear, sent[0].Command.Type)
}

func TestConductorResolverErrorSkipsTick(t *testing.T) {
	f := newFixture(t, conductor.Options{})
	sub, err := f.broker.Subscribe(async.TopicConductorEvents)
	require.NoError(t, err)

	f.conductor.SetTimeline([]timeline.Object{
		{ID: "a", Layer: "x", Enable: timeline.Enable{Start: timeline.RefTime("#b.end"), Duration: int64Ptr(10)}},
		{ID: "b", Layer: "y", Enable: timeline.Enable{Start: timeline.RefTime("#a.end"), Duration: int64Ptr(10)}},
	})
	f.mock.Advance(time.Millisecond)

	assert.Empty(t, f.recorder.commands())
	select {
	case msg := <-sub.Receiver:
		assert.Equal(t, device.EventError, msg.Event)
	case <-time.After(time.Second):
		t.Fatal("resolver failure should surface as an error event")
	}
}

func TestConductorAddDeviceTwiceFails(t *testing.T) {
	f := newFixture(t, conductor.Options{})
	dup := mediaserver.New("play0", "dup", mediaserver.Options{CommandReceiver: f.recorder.receive}, f.mock, f.broker)
	err := f.conductor.AddDevice(context.Background(), dup)
	assert.ErrorContains(t, err, "already added")
}

func TestConductorRemoveDevice(t *testing.T) {
	f := newFixture(t, conductor.Options{})
	require.NoError(t, f.conductor.RemoveDevice(context.Background(), "play0"))
	assert.Empty(t, f.conductor.Devices())
	assert.ErrorContains(t, f.conductor.RemoveDevice(context.Background(), "play0"), "not found")
}

func TestConductorStatusAggregatesWorstChild(t *testing.T) {
	f := newFixture(t, conductor.Options{})
	status := f.conductor.Status()
	assert.Equal(t, device.StatusGood, status.Code)

	// a terminated device reports BAD and drags the aggregate down
	require.NoError(t, f.device.Terminate(context.Background()))
	status = f.conductor.Status()
	assert.Equal(t, device.StatusBad, status.Code)
	assert.Equal(t, device.StatusBad, status.Devices["play0"].Code)
}

func TestConductorInitializeAsClear(t *testing.T) {
	mock := clock.NewMockClock(10000)
	broker := async.NewLocalBroker()
	defer broker.Stop()
	service := timeline.NewService(timeline.NewSimpleResolver())
	cond := conductor.New(mock, service, broker, conductor.Options{InitializeAsClear: true})
	defer cond.Shutdown()

	rec := &commandRecorder{}
	dev := mediaserver.New("play0", "playout server 0", mediaserver.Options{
		UseScheduling:   true,
		TimeBase:        25,
		CommandReceiver: rec.receive,
	}, mock, broker)
	require.NoError(t, cond.AddDevice(context.Background(), dev))

	assert.Equal(t, device.StatusGood, cond.Status().Code)
	mock.Advance(time.Millisecond)
	assert.Empty(t, rec.commands(), "a cleared device starts silent")
}
