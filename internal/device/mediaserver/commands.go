package mediaserver

import (
	"context"
	"fmt"
	"strings"

	"playout-server/internal/timeline"
)

type CommandType string

const (
	CommandPlay           CommandType = "PLAY"
	CommandLoadBackground CommandType = "LOADBG"
	CommandStop           CommandType = "STOP"
	CommandClear          CommandType = "CLEAR"
	CommandMixer          CommandType = "MIXER"
	CommandScheduleSet    CommandType = "SCHEDULE_SET"
	CommandScheduleRemove CommandType = "SCHEDULE_REMOVE"
)

// ClipEmpty is the background slot's empty marker: loading it retracts a
// previously loaded background.
const ClipEmpty = "EMPTY"

// Command is one device-native instruction. Schedule envelopes carry the
// inner command plus the on-device timecode and retraction token.
type Command struct {
	Type    CommandType          `json:"type"`
	Channel int                  `json:"channel,omitempty"`
	Layer   int                  `json:"layer,omitempty"`
	Clip    string               `json:"clip,omitempty"`
	Loop    bool                 `json:"loop"`
	Seek    int64                `json:"seek"`
	NoClear bool                 `json:"noClear"`
	Trans   *timeline.Transition `json:"transition,omitempty"`
	Volume  *float64             `json:"volume,omitempty"`
	Opacity *float64             `json:"opacity,omitempty"`

	Token    string   `json:"token,omitempty"`
	Timecode string   `json:"timecode,omitempty"`
	Command  *Command `json:"command,omitempty"`
}

// String renders the command in the device's line protocol.
func (c Command) String() string {
	var b strings.Builder
	switch c.Type {
	case CommandScheduleSet:
		fmt.Fprintf(&b, "SCHEDULE SET %s %s %s", c.Token, c.Timecode, c.Command.String())
	case CommandScheduleRemove:
		fmt.Fprintf(&b, "SCHEDULE REMOVE %s", c.Token)
	case CommandMixer:
		fmt.Fprintf(&b, "MIXER %d-%d", c.Channel, c.Layer)
		if c.Volume != nil {
			fmt.Fprintf(&b, " VOLUME %v", *c.Volume)
		}
		if c.Opacity != nil {
			fmt.Fprintf(&b, " OPACITY %v", *c.Opacity)
		}
	case CommandClear:
		fmt.Fprintf(&b, "CLEAR %d-%d", c.Channel, c.Layer)
	case CommandStop:
		fmt.Fprintf(&b, "STOP %d-%d", c.Channel, c.Layer)
	default:
		fmt.Fprintf(&b, "%s %d-%d %s", c.Type, c.Channel, c.Layer, c.Clip)
		if c.Loop {
			b.WriteString(" LOOP")
		}
		if c.Seek > 0 {
			fmt.Fprintf(&b, " SEEK %d", c.Seek)
		}
		if c.Trans != nil {
			fmt.Fprintf(&b, " %s %d %s", c.Trans.Type, c.Trans.Duration, c.Trans.Easing)
			if c.Trans.Direction != "" {
				fmt.Fprintf(&b, " %s", c.Trans.Direction)
			}
		}
	}
	return b.String()
}

// CommandReceiver is the injectable dispatch seam: the default speaks the
// device's wire protocol, tests record calls.
type CommandReceiver func(ctx context.Context, t int64, cmd Command, context string, timelineObjID string) error
