package mediaserver

import (
	"fmt"
	"sort"

	"playout-server/internal/timeline"
)

// Address is a concrete channel+layer slot on the device.
type Address struct {
	Channel int
	Layer   int
}

func (a Address) less(b Address) bool {
	if a.Channel != b.Channel {
		return a.Channel < b.Channel
	}
	return a.Layer < b.Layer
}

type ContentKind string

const (
	KindMedia ContentKind = "media"
	KindInput ContentKind = "input"
	KindRoute ContentKind = "route"
)

// LayerState is the idempotent description of one channel+layer slot:
// what is in the foreground, what is preloaded in the background, and the
// mixer overlay.
type LayerState struct {
	ObjectID    string
	SourceLayer string

	Kind          ContentKind
	Clip          string
	Looping       bool
	Seek          int64
	InTransition  *timeline.Transition
	OutTransition *timeline.Transition
	Mixer         *timeline.MixerContent

	NextUp *NextUp
}

// NextUp is a background preload placed by a lookahead object.
type NextUp struct {
	ObjectID string
	Clip     string
	Loop     bool
}

// State is the whole device state. The zero value is the default state: all
// slots empty.
type State struct {
	Layers map[Address]LayerState
}

func DefaultState() State {
	return State{Layers: map[Address]LayerState{}}
}

func (s State) addresses() []Address {
	addrs := make([]Address, 0, len(s.Layers))
	for a := range s.Layers {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].less(addrs[j]) })
	return addrs
}

// convertState projects a resolved timeline slice onto the device. Pure:
// the output depends only on the input state, the mapping table and the
// device's own identity and time base. Layers that do not map to this
// device, or whose content targets another device type, are ignored.
func convertState(rs timeline.ResolvedState, mappings timeline.Mappings, deviceID string, timeBase int) State {
	state := DefaultState()

	layerNames := make([]string, 0, len(rs.Layers))
	for name := range rs.Layers {
		layerNames = append(layerNames, name)
	}
	sort.Strings(layerNames)

	for _, name := range layerNames {
		m, ok := mappings[name]
		if !ok || m.DeviceID != deviceID || m.DeviceType != timeline.DeviceTypeMediaServer {
			continue
		}
		obj := rs.Layers[name]
		if obj.Content.DeviceType != timeline.DeviceTypeMediaServer {
			continue
		}

		addr := Address{Channel: m.Channel, Layer: m.Layer}
		slot := state.Layers[addr]

		if obj.IsLookahead {
			applyLookahead(&slot, obj)
		} else {
			applyForeground(&slot, obj, name, rs.Time, mappings, timeBase)
		}
		state.Layers[addr] = slot
	}

	// drop slots that ended up with no content at all
	for addr, slot := range state.Layers {
		if slot.Kind == "" && slot.NextUp == nil {
			delete(state.Layers, addr)
		}
	}
	return state
}

func applyLookahead(slot *LayerState, obj timeline.ResolvedObject) {
	if obj.Content.Media == nil {
		return
	}
	slot.NextUp = &NextUp{
		ObjectID: obj.ID,
		Clip:     obj.Content.Media.Clip,
		Loop:     obj.Content.Media.Loop,
	}
}

func applyForeground(slot *LayerState, obj timeline.ResolvedObject, layerName string, now int64, mappings timeline.Mappings, timeBase int) {
	slot.ObjectID = obj.ID
	slot.SourceLayer = layerName
	slot.Mixer = obj.Content.Mixer

	switch {
	case obj.Content.Media != nil:
		media := obj.Content.Media
		slot.Kind = KindMedia
		slot.Clip = media.Clip
		slot.Looping = media.Loop
		slot.Seek = mediaSeek(media, obj.Start, now, timeBase)
		slot.InTransition = media.InTransition
		slot.OutTransition = media.OutTransition
	case obj.Content.Input != nil:
		slot.Kind = KindInput
		slot.Clip = obj.Content.Input.Source
		slot.Seek = 0
	case obj.Content.Route != nil:
		slot.Kind = KindRoute
		slot.Clip = routeSource(obj.Content.Route.MappedLayer, mappings)
		slot.Seek = 0
	}
}

// mediaSeek applies the seek rules: explicit seek wins; a loop of unknown
// length cannot seek; otherwise an object already started seeks to its
// elapsed time.
func mediaSeek(media *timeline.MediaContent, start, now int64, timeBase int) int64 {
	if media.Seek != nil {
		return SeekFrames(*media.Seek, timeBase)
	}
	if media.Loop && media.Length == nil {
		return 0
	}
	if now > start {
		return SeekFrames(now-start, timeBase)
	}
	return 0
}

// routeSource names the routed-from slot so the route command can refer to
// an already materialized source.
func routeSource(mappedLayer string, mappings timeline.Mappings) string {
	m, ok := mappings[mappedLayer]
	if !ok {
		return ""
	}
	return routeName(m.Channel, m.Layer)
}

func routeName(channel, layer int) string {
	return fmt.Sprintf("route://%d-%d", channel, layer)
}
