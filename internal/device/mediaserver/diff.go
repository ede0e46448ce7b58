package mediaserver

import (
	"fmt"

	"playout-server/internal/device"
	"playout-server/internal/timeline"
)

// diffStates computes the minimal ordered command list that takes a device
// known to be in old into new. Deterministic: slots are visited in
// (channel, layer) order, route slots after everything else so a route can
// refer to an already materialized source.
func diffStates(old, new State) []device.CommandWithContext {
	var cmds []device.CommandWithContext

	addrs := unionAddresses(old, new)
	for _, pass := range []bool{false, true} {
		for _, addr := range addrs {
			oldSlot := old.Layers[addr]
			newSlot := new.Layers[addr]
			if (newSlot.Kind == KindRoute) != pass {
				continue
			}
			cmds = append(cmds, diffSlot(addr, oldSlot, newSlot)...)
		}
	}
	return cmds
}

func unionAddresses(old, new State) []Address {
	merged := State{Layers: map[Address]LayerState{}}
	for a := range old.Layers {
		merged.Layers[a] = LayerState{}
	}
	for a := range new.Layers {
		merged.Layers[a] = LayerState{}
	}
	return merged.addresses()
}

func diffSlot(addr Address, oldSlot, newSlot LayerState) []device.CommandWithContext {
	var cmds []device.CommandWithContext

	foregroundChanged := !foregroundEqual(oldSlot, newSlot)

	switch {
	case foregroundChanged && newSlot.Kind == "":
		cmds = append(cmds, exitCommand(addr, oldSlot))
	case foregroundChanged:
		if oldSlot.Kind != "" && oldSlot.Kind != newSlot.Kind {
			cmds = append(cmds, withContext(
				Command{Type: CommandStop, Channel: addr.Channel, Layer: addr.Layer},
				fmt.Sprintf("content kind changed: %s -> %s", oldSlot.Kind, newSlot.Kind),
				oldSlot.ObjectID,
			))
		}
		cmds = append(cmds, playCommand(addr, oldSlot, newSlot))
	}

	if !foregroundChanged && newSlot.Kind != "" && !mixerEqual(oldSlot.Mixer, newSlot.Mixer) && newSlot.Mixer != nil {
		mixer := Command{Type: CommandMixer, Channel: addr.Channel, Layer: addr.Layer, Volume: newSlot.Mixer.Volume, Opacity: newSlot.Mixer.Opacity}
		cmds = append(cmds, withContext(mixer, "mixer attributes changed", newSlot.ObjectID))
	}

	if !nextUpEqual(oldSlot.NextUp, newSlot.NextUp) {
		if bg := backgroundCommand(addr, oldSlot, newSlot, foregroundChanged); bg != nil {
			cmds = append(cmds, *bg)
		}
	}

	return cmds
}

// exitCommand ends the slot's foreground: a transitioned exit play when the
// object declared an out-transition, a plain clear otherwise.
func exitCommand(addr Address, oldSlot LayerState) device.CommandWithContext {
	if oldSlot.OutTransition != nil {
		return withContext(
			Command{
				Type:    CommandPlay,
				Channel: addr.Channel,
				Layer:   addr.Layer,
				Clip:    "empty",
				Trans:   oldSlot.OutTransition,
			},
			fmt.Sprintf("object %s ended with out-transition", oldSlot.ObjectID),
			oldSlot.ObjectID,
		)
	}
	return withContext(
		Command{Type: CommandClear, Channel: addr.Channel, Layer: addr.Layer},
		fmt.Sprintf("object %s ended", oldSlot.ObjectID),
		oldSlot.ObjectID,
	)
}

func playCommand(addr Address, oldSlot, newSlot LayerState) device.CommandWithContext {
	cmd := Command{
		Type:    CommandPlay,
		Channel: addr.Channel,
		Layer:   addr.Layer,
		Clip:    newSlot.Clip,
		Loop:    newSlot.Looping,
		Seek:    newSlot.Seek,
		NoClear: false,
		Trans:   newSlot.InTransition,
	}
	context := fmt.Sprintf("foreground changed: %q -> %q", oldSlot.Clip, newSlot.Clip)
	return withContext(cmd, context, newSlot.ObjectID)
}

// backgroundCommand reflects a NextUp change. A background consumed by the
// new foreground needs no command; a background that disappeared without
// being played is replaced with EMPTY.
func backgroundCommand(addr Address, oldSlot, newSlot LayerState, foregroundChanged bool) *device.CommandWithContext {
	if newSlot.NextUp != nil {
		cmd := withContext(
			Command{
				Type:    CommandLoadBackground,
				Channel: addr.Channel,
				Layer:   addr.Layer,
				Clip:    newSlot.NextUp.Clip,
				Loop:    newSlot.NextUp.Loop,
			},
			fmt.Sprintf("lookahead %s preloaded", newSlot.NextUp.ObjectID),
			newSlot.NextUp.ObjectID,
		)
		return &cmd
	}
	if oldSlot.NextUp == nil {
		return nil
	}
	if foregroundChanged && newSlot.Clip == oldSlot.NextUp.Clip {
		// the preload was promoted to the foreground
		return nil
	}
	cmd := withContext(
		Command{
			Type:    CommandLoadBackground,
			Channel: addr.Channel,
			Layer:   addr.Layer,
			Clip:    ClipEmpty,
		},
		fmt.Sprintf("lookahead %s retracted", oldSlot.NextUp.ObjectID),
		oldSlot.NextUp.ObjectID,
	)
	return &cmd
}

func withContext(cmd Command, context, objID string) device.CommandWithContext {
	return device.CommandWithContext{Command: cmd, Context: context, TimelineObjID: objID}
}

// foregroundEqual ignores ObjectID and Seek: the same content continuing
// under a new object id, or re-evaluated with a larger elapsed seek, must
// not retrigger playback.
func foregroundEqual(a, b LayerState) bool {
	return a.Kind == b.Kind &&
		a.Clip == b.Clip &&
		a.Looping == b.Looping &&
		transitionEqual(a.InTransition, b.InTransition)
}

func transitionEqual(a, b *timeline.Transition) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return *a == *b
}

func mixerEqual(a, b *timeline.MixerContent) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return floatPtrEqual(a.Volume, b.Volume) && floatPtrEqual(a.Opacity, b.Opacity)
}

func floatPtrEqual(a, b *float64) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func nextUpEqual(a, b *NextUp) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || (a.Clip == b.Clip && a.Loop == b.Loop)
}
