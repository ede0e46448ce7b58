package timeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DeviceType tags which adapter a timeline object's content targets.
type DeviceType string

const (
	DeviceTypeAbstract    DeviceType = "abstract"
	DeviceTypeMediaServer DeviceType = "mediaserver"
)

// Object is a single entry of the declarative timeline. The engine never
// mutates objects, they are owned by whoever authored the timeline.
type Object struct {
	ID          string     `json:"id"`
	Enable      Enable     `json:"enable"`
	Layer       string     `json:"layer"`
	Content     Content    `json:"content"`
	Keyframes   []Keyframe `json:"keyframes,omitempty"`
	Classes     []string   `json:"classes,omitempty"`
	IsLookahead bool       `json:"isLookahead,omitempty"`
}

// Enable describes when an object is active: either a start (absolute or
// symbolic) with an optional duration, or a while expression.
type Enable struct {
	Start    *TimeRef `json:"start,omitempty"`
	Duration *int64   `json:"duration,omitempty"`
	While    string   `json:"while,omitempty"`
}

// TimeRef is a point in time: either absolute unix milliseconds or a
// symbolic reference to another object's boundary ("#objId.start",
// "#objId.end"). It marshals as a JSON number or string respectively.
type TimeRef struct {
	abs int64
	ref string
}

func AbsTime(ms int64) *TimeRef {
	return &TimeRef{abs: ms}
}

func RefTime(ref string) *TimeRef {
	return &TimeRef{ref: ref}
}

func (t TimeRef) IsRef() bool {
	return t.ref != ""
}

func (t TimeRef) Abs() int64 {
	return t.abs
}

// Ref splits a symbolic reference into target object id and boundary
// ("start" or "end").
func (t TimeRef) Ref() (id string, boundary string, err error) {
	if !strings.HasPrefix(t.ref, "#") {
		return "", "", fmt.Errorf("malformed time reference %q", t.ref)
	}
	parts := strings.SplitN(strings.TrimPrefix(t.ref, "#"), ".", 2)
	if len(parts) != 2 || parts[0] == "" || (parts[1] != "start" && parts[1] != "end") {
		return "", "", fmt.Errorf("malformed time reference %q", t.ref)
	}
	return parts[0], parts[1], nil
}

func (t TimeRef) MarshalJSON() ([]byte, error) {
	if t.IsRef() {
		return json.Marshal(t.ref)
	}
	return json.Marshal(t.abs)
}

func (t *TimeRef) UnmarshalJSON(data []byte) error {
	var abs int64
	if err := json.Unmarshal(data, &abs); err == nil {
		*t = TimeRef{abs: abs}
		return nil
	}
	var ref string
	if err := json.Unmarshal(data, &ref); err != nil {
		return fmt.Errorf("time reference must be a number or string: %w", err)
	}
	*t = TimeRef{ref: ref}
	return nil
}

// Content carries the device-specific payload. Exactly one of the payload
// pointers matching the DeviceType is expected to be set; Mixer is an
// optional overlay any payload may carry (and keyframes override).
type Content struct {
	DeviceType DeviceType    `json:"deviceType"`
	Media      *MediaContent `json:"media,omitempty"`
	Input      *InputContent `json:"input,omitempty"`
	Route      *RouteContent `json:"route,omitempty"`
	Mixer      *MixerContent `json:"mixer,omitempty"`
}

// MediaContent plays a clip from the device's media store.
type MediaContent struct {
	Clip          string      `json:"clip"`
	Loop          bool        `json:"loop,omitempty"`
	Length        *int64      `json:"length,omitempty"`
	Seek          *int64      `json:"seek,omitempty"`
	InTransition  *Transition `json:"inTransition,omitempty"`
	OutTransition *Transition `json:"outTransition,omitempty"`
}

// InputContent switches a live input (IP stream, decklink). Live inputs are
// never seekable.
type InputContent struct {
	Source string `json:"source"`
}

// RouteContent mirrors the output of another mapped layer.
type RouteContent struct {
	MappedLayer string `json:"mappedLayer"`
}

// MixerContent are mixer-style attribute overrides, typically applied via
// keyframes mid-object.
type MixerContent struct {
	Volume  *float64 `json:"volume,omitempty"`
	Opacity *float64 `json:"opacity,omitempty"`
}

type TransitionType string

const (
	TransitionMix   TransitionType = "MIX"
	TransitionWipe  TransitionType = "WIPE"
	TransitionPush  TransitionType = "PUSH"
	TransitionSlide TransitionType = "SLIDE"
)

type TransitionDirection string

const (
	DirectionLeft  TransitionDirection = "LEFT"
	DirectionRight TransitionDirection = "RIGHT"
)

type Transition struct {
	Type      TransitionType      `json:"type"`
	Duration  int64               `json:"duration"`
	Easing    string              `json:"easing,omitempty"`
	Direction TransitionDirection `json:"direction,omitempty"`
}

// Keyframe is a time-scoped partial content override. Its start is relative
// to the owning object's start.
type Keyframe struct {
	ID       string  `json:"id"`
	Start    int64   `json:"start"`
	Duration *int64  `json:"duration,omitempty"`
	Content  Content `json:"content"`
}

// Mapping routes a logical layer to a concrete device address.
type Mapping struct {
	DeviceType DeviceType `json:"deviceType"`
	DeviceID   string     `json:"deviceId"`
	Channel    int        `json:"channel,omitempty"`
	Layer      int        `json:"layer,omitempty"`
}

// Mappings is the process-wide layerName to device routing table.
type Mappings map[string]Mapping

// ResolvedState is one evaluated snapshot of the timeline: per layer, the
// single object active at Time.
type ResolvedState struct {
	Time   int64                     `json:"time"`
	Layers map[string]ResolvedObject `json:"layers"`
}

// ResolvedObject is an active object with its enable resolved to absolute
// milliseconds and keyframes already merged into Content.
type ResolvedObject struct {
	ID          string  `json:"id"`
	Content     Content `json:"content"`
	IsLookahead bool    `json:"isLookahead,omitempty"`
	Start       int64   `json:"start"`
	End         *int64  `json:"end,omitempty"`
	// PlayAfter is only set on lookahead objects: the resolved start of the
	// following non-lookahead object on the same layer.
	PlayAfter *int64 `json:"playAfter,omitempty"`
}
