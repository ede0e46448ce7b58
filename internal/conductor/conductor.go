package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"playout-server/internal/device"
	"playout-server/internal/infra/async"
	"playout-server/internal/infra/clock"
	"playout-server/internal/timeline"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	_defaultLookahead    = 5 * time.Second
	_defaultTickInterval = time.Second
)

type Options struct {
	// Lookahead is the resolve horizon: how far ahead of the wall clock
	// snapshots are dispatched to devices.
	Lookahead time.Duration
	// TickInterval paces the periodic resolve loop.
	TickInterval time.Duration
	// InitializeAsClear makes every added device assume its default state
	// instead of querying the device.
	InitializeAsClear bool
}

// New builds a conductor. Devices are attached with AddDevice, the timeline
// and mapping table through their setters; every mutation triggers an
// immediate tick.
func New(c clock.Clock, service *timeline.Service, broker async.InternalBroker, opts Options) *Conductor {
	if opts.Lookahead <= 0 {
		opts.Lookahead = _defaultLookahead
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = _defaultTickInterval
	}
	meter := otel.Meter("playout_server")
	tickCounter, _ := meter.Int64Counter(
		"playout_server.conductor.ticks",
		metric.WithDescription("conductor resolve ticks"),
	)
	return &Conductor{
		clock:       c,
		service:     service,
		broker:      broker,
		opts:        opts,
		devices:     make(map[string]device.Device),
		mappings:    timeline.Mappings{},
		tickCounter: tickCounter,
	}
}

type Conductor struct {
	clock   clock.Clock
	service *timeline.Service
	broker  async.InternalBroker
	opts    Options

	mu             sync.Mutex
	tl             []timeline.Object
	mappings       timeline.Mappings
	devices        map[string]device.Device
	processedUntil int64
	dirty          bool
	timer          clock.Timer
	stopped        bool

	tickMu      sync.Mutex
	tickCounter metric.Int64Counter
}

var _ async.Worker = (*Conductor)(nil)

// Run keeps the periodic tick chain alive and reacts to resetResolver
// events from devices (a reconnected device needs a full re-resolve).
func (c *Conductor) Run(ctx context.Context, done func()) {
	defer done()
	sub, err := c.broker.Subscribe(async.TopicDeviceEvents)
	if err != nil {
		slog.Error("subscribing to device events", slog.Any("error", err))
		return
	}
	defer c.broker.Unsubscribe(async.TopicDeviceEvents, sub)

	c.Tick()
	for {
		select {
		case <-ctx.Done():
			slog.Info("conductor cancelled")
			return
		case msg, ok := <-sub.Receiver:
			if !ok {
				return
			}
			if msg.Event == device.EventResetResolver {
				slog.Info("device requested resolver reset")
				c.invalidate()
			}
		}
	}
}

func (c *Conductor) Shutdown() {
	c.mu.Lock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
}

// SetTimeline replaces the whole timeline. Superseded commands are
// retracted by the devices during the immediate tick.
func (c *Conductor) SetTimeline(tl []timeline.Object) {
	c.mu.Lock()
	c.tl = tl
	c.mu.Unlock()
	c.invalidate()
}

func (c *Conductor) Timeline() []timeline.Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]timeline.Object(nil), c.tl...)
}

// SetMappings replaces the layer routing table; a mapping change is a full
// resolve invalidation.
func (c *Conductor) SetMappings(m timeline.Mappings) {
	c.mu.Lock()
	c.mappings = m
	c.mu.Unlock()
	c.invalidate()
}

func (c *Conductor) Mappings() timeline.Mappings {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := make(timeline.Mappings, len(c.mappings))
	for k, v := range c.mappings {
		copied[k] = v
	}
	return copied
}

// AddDevice initializes the adapter and brings it under the tick loop.
// Construction and configuration errors propagate; everything after that
// surfaces as events.
func (c *Conductor) AddDevice(ctx context.Context, d device.Device) error {
	c.mu.Lock()
	if _, exists := c.devices[d.ID()]; exists {
		c.mu.Unlock()
		return fmt.Errorf("device %q already added", d.ID())
	}
	c.mu.Unlock()

	if err := d.Init(ctx); err != nil {
		return fmt.Errorf("initializing device %q: %w", d.ID(), err)
	}
	if c.opts.InitializeAsClear {
		if err := d.MakeReady(ctx, true); err != nil {
			return fmt.Errorf("clearing device %q: %w", d.ID(), err)
		}
	}

	c.mu.Lock()
	c.devices[d.ID()] = d
	c.mu.Unlock()
	slog.Info("device added", slog.String("device_id", d.ID()), slog.String("device_name", d.Name()))
	c.invalidate()
	return nil
}

// RemoveDevice retracts what it can and terminates the adapter.
func (c *Conductor) RemoveDevice(ctx context.Context, id string) error {
	c.mu.Lock()
	d, ok := c.devices[id]
	if ok {
		delete(c.devices, id)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %q not found", id)
	}

	d.ClearFuture(c.clock.Now())
	if err := d.Terminate(ctx); err != nil {
		return fmt.Errorf("terminating device %q: %w", id, err)
	}
	slog.Info("device removed", slog.String("device_id", id))
	return nil
}

func (c *Conductor) Devices() []device.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedDevicesLocked()
}

func (c *Conductor) sortedDevicesLocked() []device.Device {
	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	devices := make([]device.Device, 0, len(ids))
	for _, id := range ids {
		devices = append(devices, c.devices[id])
	}
	return devices
}

// AggregateStatus is the conductor's health: the worst of any child.
type AggregateStatus struct {
	Code    device.StatusCode        `json:"code"`
	Devices map[string]device.Status `json:"devices"`
}

func (c *Conductor) Status() AggregateStatus {
	c.mu.Lock()
	devices := c.sortedDevicesLocked()
	c.mu.Unlock()

	status := AggregateStatus{Code: device.StatusGood, Devices: make(map[string]device.Status, len(devices))}
	for _, d := range devices {
		s := d.Status()
		status.Devices[d.ID()] = s
		if s.Code > status.Code {
			status.Code = s.Code
		}
	}
	return status
}

// invalidate marks everything from now on as needing re-dispatch and ticks.
func (c *Conductor) invalidate() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
	c.Tick()
}

// Tick runs one resolve/dispatch pass and arms the next periodic tick.
func (c *Conductor) Tick() {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	ctx, span := otel.Tracer("playout_server").Start(context.Background(), "conductor_tick")
	defer span.End()
	c.tickCounter.Add(ctx, 1)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	horizon := now + c.opts.Lookahead.Milliseconds()
	dirty := c.dirty
	from := c.processedUntil
	if dirty || from < now {
		from = now
	}
	tl := c.tl
	mappings := c.mappings
	devices := c.sortedDevicesLocked()
	c.mu.Unlock()

	if dirty {
		// anything previously dispatched for the future is superseded
		for _, d := range devices {
			d.ClearFuture(now)
		}
	}

	points, err := c.service.ChangePoints(tl, from, horizon)
	if err != nil {
		c.emitError(ctx, fmt.Errorf("resolving change points: %w", err))
		c.armTimer()
		return
	}
	if dirty {
		points = append([]int64{now}, points...)
	}

	for _, t := range points {
		state, err := c.service.GetState(tl, t)
		if err != nil {
			c.emitError(ctx, fmt.Errorf("resolving timeline at %d: %w", t, err))
			c.armTimer()
			return
		}
		for _, d := range devices {
			d.HandleState(filterForDevice(state, mappings, d.ID()), mappings)
		}
	}

	c.mu.Lock()
	c.processedUntil = horizon
	c.dirty = false
	c.mu.Unlock()
	c.armTimer()
}

func (c *Conductor) armTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.clock.AfterFunc(c.opts.TickInterval, c.Tick)
}

func (c *Conductor) emitError(ctx context.Context, err error) {
	slog.Error("conductor tick failed", slog.Any("error", err))
	c.broker.Publish(ctx, async.TopicConductorEvents, async.BrokerMessage{
		Event: device.EventError,
		Value: err.Error(),
	})
}

// filterForDevice narrows a snapshot to the layers mapped onto one device.
func filterForDevice(state timeline.ResolvedState, mappings timeline.Mappings, deviceID string) timeline.ResolvedState {
	filtered := timeline.ResolvedState{Time: state.Time, Layers: make(map[string]timeline.ResolvedObject)}
	for name, obj := range state.Layers {
		if m, ok := mappings[name]; ok && m.DeviceID == deviceID {
			filtered.Layers[name] = obj
		}
	}
	return filtered
}
