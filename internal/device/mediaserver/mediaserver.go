package mediaserver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"playout-server/internal/device"
	"playout-server/internal/infra/async"
	"playout-server/internal/infra/clock"
	"playout-server/internal/timeline"

	"github.com/google/uuid"
)

// _historyRetention is how far back device states are kept. Anything a
// stateBefore lookup within one look-ahead window could still need easily
// fits inside it.
const _historyRetention int64 = 60_000

// Options are the recognized connection parameters for a media playout
// server. Unknown keys in a raw configuration map are rejected by
// ParseOptions.
type Options struct {
	Host             string
	Port             int
	UseScheduling    bool
	TimeBase         int
	MinRecordingTime int64
	CommandReceiver  CommandReceiver
}

const _defaultPort = 5250

// ParseOptions validates a raw device configuration block. Keys are matched
// case-insensitively so config-layer normalization does not matter.
func ParseOptions(raw map[string]any) (Options, error) {
	recognized := map[string]bool{
		"host": true, "port": true, "usescheduling": true,
		"timebase": true, "minrecordingtime": true,
	}
	normalized := make(map[string]any, len(raw))
	for key, value := range raw {
		lower := strings.ToLower(key)
		if !recognized[lower] {
			return Options{}, fmt.Errorf("unknown mediaserver option %q", key)
		}
		normalized[lower] = value
	}

	opts := Options{Port: _defaultPort, TimeBase: _defaultTimeBase}
	if v, ok := normalized["host"].(string); ok {
		opts.Host = v
	}
	if v, ok := toInt(normalized["port"]); ok {
		opts.Port = v
	}
	if v, ok := normalized["usescheduling"].(bool); ok {
		opts.UseScheduling = v
	}
	if v, ok := toInt(normalized["timebase"]); ok {
		opts.TimeBase = v
	}
	if v, ok := toInt(normalized["minrecordingtime"]); ok {
		opts.MinRecordingTime = int64(v)
	}
	if opts.Host == "" {
		return Options{}, fmt.Errorf("mediaserver option host is required")
	}
	return opts, nil
}

func toInt(v any) (int, bool) {
	switch value := v.(type) {
	case int:
		return value, true
	case int64:
		return int(value), true
	case float64:
		return int(value), true
	default:
		return 0, false
	}
}

// New builds a media playout server adapter. The adapter is inert until
// Init; HandleState calls before that are no-ops.
func New(id, name string, opts Options, c clock.Clock, broker async.InternalBroker) *Device {
	if opts.TimeBase <= 0 {
		opts.TimeBase = _defaultTimeBase
	}
	d := &Device{
		id:      id,
		name:    name,
		opts:    opts,
		clock:   c,
		broker:  broker,
		emitter: device.NewEmitter(id, broker),
		history: device.NewStateHistory[State](),
		tokens:  make(map[string]int64),
	}
	d.queue = device.NewDoOnTime(c, device.SendModeInOrder, d.emitter)
	d.receiver = opts.CommandReceiver
	return d
}

var _ device.Device = (*Device)(nil)

type Device struct {
	id   string
	name string
	opts Options

	clock   clock.Clock
	broker  async.InternalBroker
	emitter *device.Emitter
	queue   *device.DoOnTime
	history *device.StateHistory[State]

	receiver  CommandReceiver
	transport *transport

	mu          sync.Mutex
	tokens      map[string]int64
	initialized bool
	connected   bool
}

func (d *Device) ID() string                { return d.id }
func (d *Device) Name() string              { return d.name }
func (d *Device) Type() timeline.DeviceType { return timeline.DeviceTypeMediaServer }
func (d *Device) CanConnect() bool          { return true }

func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Device) Queue() []device.QueuedEntry {
	return d.queue.GetQueue()
}

// Init establishes the transport. With an injected command receiver (the
// test seam) there is nothing to dial and the device is ready at once.
func (d *Device) Init(ctx context.Context) error {
	if d.receiver != nil {
		d.markReady(false)
		return nil
	}
	if d.opts.Host == "" {
		return fmt.Errorf("mediaserver %s: host is required", d.id)
	}

	ready := make(chan struct{})
	var readyOnce sync.Once
	addr := fmt.Sprintf("%s:%d", d.opts.Host, d.opts.Port)
	d.transport = newTransport(addr,
		func(reconnect bool) {
			d.markReady(reconnect)
			readyOnce.Do(func() { close(ready) })
		},
		func(err error) {
			d.markDisconnected(err)
		},
	)
	d.receiver = d.sendToTransport
	go d.transport.run()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		d.transport.Close()
		return fmt.Errorf("mediaserver %s: connecting to %s: %w", d.id, addr, ctx.Err())
	}
}

func (d *Device) markReady(reconnect bool) {
	d.mu.Lock()
	d.initialized = true
	d.connected = true
	d.mu.Unlock()

	d.emitter.Emit(device.EventConnectionChanged, device.ConnectionChange{Connected: true})
	if reconnect {
		// the device may have dropped its schedule while away: re-query and
		// ask the conductor for a full re-resolve
		d.requeryState()
		d.emitter.Emit(device.EventResetResolver, nil)
	}
}

func (d *Device) markDisconnected(err error) {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	slog.Warn("mediaserver disconnected", slog.String("device_id", d.id), slog.Any("error", err))
	d.emitter.Emit(device.EventConnectionChanged, device.ConnectionChange{Connected: false})
}

// requeryState overwrites the history with the device's current state. The
// wire-level state query is a transport concern; without one the device is
// assumed cleared.
func (d *Device) requeryState() {
	now := d.clock.Now()
	d.mu.Lock()
	d.tokens = make(map[string]int64)
	d.mu.Unlock()
	d.history.Clear()
	d.history.SetState(DefaultState(), now)
}

func (d *Device) Terminate(ctx context.Context) error {
	d.queue.Dispose()
	if d.transport != nil {
		d.transport.Close()
	}
	d.mu.Lock()
	wasConnected := d.connected
	d.connected = false
	d.initialized = false
	d.mu.Unlock()
	if wasConnected {
		d.emitter.Emit(device.EventConnectionChanged, device.ConnectionChange{Connected: false})
	}
	return nil
}

// MakeReady with force drops every pending and on-device scheduled command
// and restarts the state history from the device's current state.
func (d *Device) MakeReady(ctx context.Context, force bool) error {
	if !force {
		return nil
	}
	now := d.clock.Now()
	d.retractTokens(0, now)
	d.queue.ClearQueueNowAndAfter(0)
	d.requeryState()
	d.emitter.Emit(device.EventDebug, "made ready, history reset")
	return nil
}

// HandleState runs the resolve-convert-diff-enqueue cycle of one snapshot.
func (d *Device) HandleState(rs timeline.ResolvedState, mappings timeline.Mappings) {
	d.mu.Lock()
	initialized := d.initialized
	d.mu.Unlock()
	if !initialized {
		return
	}

	now := d.clock.Now()
	t := rs.Time
	if now > t {
		t = now
	}

	oldState, _, ok := d.history.StateBeforeExclusive(t)
	if !ok {
		oldState = DefaultState()
	}
	newState := convertState(rs, mappings, d.id, d.opts.TimeBase)

	cmds := diffStates(oldState, newState)
	if len(cmds) > 0 {
		d.retractTokens(t, now)
		d.queue.ClearQueueNowAndAfter(t)
		d.enqueue(now, rs.Time, cmds)
	}

	d.history.SetState(newState, rs.Time)
	d.history.Prune(now - _historyRetention)
	d.pruneTokens(now)
}

// ClearFuture drops queued commands after t and retracts every on-device
// scheduled command past t.
func (d *Device) ClearFuture(t int64) {
	d.queue.ClearQueueAfter(t)
	d.retractTokens(t+1, d.clock.Now())
}

// retractTokens sends ScheduleRemove for every pending token with effective
// time >= from. Retractions bypass the queue so they always precede any
// replacement commands enqueued afterwards.
func (d *Device) retractTokens(from, now int64) {
	d.mu.Lock()
	type pending struct {
		token string
		at    int64
	}
	var remove []pending
	for token, at := range d.tokens {
		if at >= from {
			remove = append(remove, pending{token: token, at: at})
			delete(d.tokens, token)
		}
	}
	d.mu.Unlock()

	sort.Slice(remove, func(i, j int) bool {
		if remove[i].at != remove[j].at {
			return remove[i].at < remove[j].at
		}
		return remove[i].token < remove[j].token
	})
	for _, p := range remove {
		payload := device.CommandWithContext{
			Command:       Command{Type: CommandScheduleRemove, Token: p.token},
			Context:       fmt.Sprintf("schedule at %s superseded", Timecode(p.at, d.opts.TimeBase)),
			TimelineObjID: "",
		}
		d.executeCommand(context.Background(), now, payload)
	}
}

func (d *Device) pruneTokens(now int64) {
	d.mu.Lock()
	for token, at := range d.tokens {
		if at < now {
			delete(d.tokens, token)
		}
	}
	d.mu.Unlock()
}

// enqueue pushes diff commands into the dispatch queue. With scheduling
// enabled, commands for a future instant are wrapped in a ScheduleSet
// envelope and sent immediately; the device fires them by timecode.
func (d *Device) enqueue(now, stateTime int64, cmds []device.CommandWithContext) {
	execAt := stateTime
	if execAt < now {
		execAt = now
	}
	for _, cmd := range cmds {
		payload := cmd
		if d.opts.UseScheduling && stateTime > now {
			token := uuid.NewString()
			inner := cmd.Command.(Command)
			payload = device.CommandWithContext{
				Command: Command{
					Type:     CommandScheduleSet,
					Token:    token,
					Timecode: Timecode(stateTime, d.opts.TimeBase),
					Command:  &inner,
				},
				Context:       cmd.Context,
				TimelineObjID: cmd.TimelineObjID,
			}
			d.mu.Lock()
			d.tokens[token] = stateTime
			d.mu.Unlock()
			d.queue.Queue(now, d.id, d.executeCommand, payload)
			continue
		}
		d.queue.Queue(execAt, d.id, d.executeCommand, payload)
	}
}

// executeCommand is the dispatch handler: hand the command to the receiver,
// trace it, and surface failures as commandError events.
func (d *Device) executeCommand(ctx context.Context, t int64, payload device.CommandWithContext) error {
	cmd := payload.Command.(Command)
	err := d.receiver(ctx, t, cmd, payload.Context, payload.TimelineObjID)

	if d.broker == nil {
		if err != nil {
			return err
		}
		return nil
	}
	d.broker.Publish(ctx, async.TopicCommands, async.BrokerMessage{
		Event: "commandDispatched",
		Value: device.DispatchedCommand{
			DeviceID:      d.id,
			Time:          t,
			Command:       cmd,
			Context:       payload.Context,
			TimelineObjID: payload.TimelineObjID,
		},
	})

	if err != nil {
		d.emitter.Emit(device.EventCommandError, device.CommandError{
			Command:       cmd,
			Context:       payload.Context,
			TimelineObjID: payload.TimelineObjID,
			Error:         err.Error(),
		})
	}
	return nil
}

func (d *Device) sendToTransport(ctx context.Context, t int64, cmd Command, cmdContext string, timelineObjID string) error {
	return d.transport.Send(cmd.String())
}

func (d *Device) Status() device.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return device.Status{Code: device.StatusBad, Messages: []string{"not initialized"}}
	}
	if !d.connected {
		return device.Status{Code: device.StatusBad, Messages: []string{"not connected"}}
	}
	return device.Status{Code: device.StatusGood}
}
