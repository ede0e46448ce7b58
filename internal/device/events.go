package device

import (
	"context"

	"playout-server/internal/infra/async"
)

// Event names published on async.TopicDeviceEvents.
const (
	EventError             = "error"
	EventWarning           = "warning"
	EventInfo              = "info"
	EventDebug             = "debug"
	EventCommandError      = "commandError"
	EventConnectionChanged = "connectionChanged"
	EventResetResolver     = "resetResolver"
	EventSlowCommand       = "slowCommand"
)

// EventPayload wraps every device event with its origin.
type EventPayload struct {
	DeviceID string `json:"deviceId"`
	Value    any    `json:"value"`
}

// ConnectionChange reports a transport going up or down.
type ConnectionChange struct {
	Connected bool `json:"connected"`
}

// CommandError reports a command whose dispatch failed. The command and its
// context travel with the event so external tracing can attribute it.
type CommandError struct {
	Command       any    `json:"command"`
	Context       string `json:"context"`
	TimelineObjID string `json:"timelineObjId"`
	Error         string `json:"error"`
}

// SlowCommand reports an IN_ORDER queue entry that waited on its
// predecessor past the configured threshold.
type SlowCommand struct {
	QueueID string `json:"queueId"`
	Time    int64  `json:"time"`
	Delay   int64  `json:"delay"`
}

// DispatchedCommand is published on async.TopicCommands for every command
// that fired, so monitoring and tests can trace the dispatch path.
type DispatchedCommand struct {
	DeviceID      string `json:"deviceId"`
	Time          int64  `json:"time"`
	Command       any    `json:"command"`
	Context       string `json:"context"`
	TimelineObjID string `json:"timelineObjId"`
}

// NewEmitter wires a device to the event bus.
func NewEmitter(deviceID string, broker async.InternalBroker) *Emitter {
	return &Emitter{deviceID: deviceID, broker: broker}
}

type Emitter struct {
	deviceID string
	broker   async.InternalBroker
}

func (e *Emitter) Emit(event string, value any) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(context.Background(), async.TopicDeviceEvents, async.BrokerMessage{
		Event: event,
		Value: EventPayload{DeviceID: e.deviceID, Value: value},
	})
}

func (e *Emitter) DeviceID() string {
	return e.deviceID
}
