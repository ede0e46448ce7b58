package timeline

import (
	"fmt"
	"slices"
	"sort"
)

// Resolver evaluates a timeline at one instant. Implementations must be pure
// with respect to their inputs.
type Resolver interface {
	Resolve(objects []Object, t int64) (ResolvedState, error)
}

// window is an object's enable reduced to absolute milliseconds. A nil end
// means open-ended.
type window struct {
	start int64
	end   *int64
}

// resolveWindows computes the absolute window of every object, following
// symbolic references and rejecting cycles.
func resolveWindows(objects []Object) (map[string]window, error) {
	byID := make(map[string]Object, len(objects))
	for _, obj := range objects {
		if _, dup := byID[obj.ID]; dup {
			return nil, fmt.Errorf("duplicate timeline object id %q", obj.ID)
		}
		byID[obj.ID] = obj
	}

	windows := make(map[string]window, len(objects))
	resolving := make(map[string]bool)

	var resolve func(id string) (window, error)
	resolve = func(id string) (window, error) {
		if w, done := windows[id]; done {
			return w, nil
		}
		if resolving[id] {
			return window{}, fmt.Errorf("cyclic time reference through %q", id)
		}
		resolving[id] = true
		defer delete(resolving, id)

		obj, ok := byID[id]
		if !ok {
			return window{}, fmt.Errorf("time reference to unknown object %q", id)
		}

		var w window
		switch {
		case obj.Enable.While != "":
			if obj.Enable.While != "1" {
				return window{}, fmt.Errorf("object %q: unsupported while expression %q", id, obj.Enable.While)
			}
			w = window{start: 0}
		case obj.Enable.Start != nil:
			start, err := resolvePoint(*obj.Enable.Start, resolve)
			if err != nil {
				return window{}, fmt.Errorf("object %q: %w", id, err)
			}
			w = window{start: start}
			if obj.Enable.Duration != nil {
				end := start + *obj.Enable.Duration
				w.end = &end
			}
		default:
			return window{}, fmt.Errorf("object %q: enable needs start or while", id)
		}

		windows[id] = w
		return w, nil
	}

	for _, obj := range objects {
		if _, err := resolve(obj.ID); err != nil {
			return nil, err
		}
	}
	return windows, nil
}

func resolvePoint(ref TimeRef, resolve func(id string) (window, error)) (int64, error) {
	if !ref.IsRef() {
		return ref.Abs(), nil
	}
	id, boundary, err := ref.Ref()
	if err != nil {
		return 0, err
	}
	w, err := resolve(id)
	if err != nil {
		return 0, err
	}
	if boundary == "start" {
		return w.start, nil
	}
	if w.end == nil {
		return 0, fmt.Errorf("reference to open-ended %q.end", id)
	}
	return *w.end, nil
}

// NewSimpleResolver returns the built-in reference resolver. It supports
// absolute and symbolic starts, durations, while:"1" enables and keyframe
// merging, which is enough to drive the engine standalone. A full external
// resolver can be swapped in through the Resolver interface.
func NewSimpleResolver() *SimpleResolver {
	return &SimpleResolver{}
}

var _ Resolver = (*SimpleResolver)(nil)

type SimpleResolver struct{}

func (r *SimpleResolver) Resolve(objects []Object, t int64) (ResolvedState, error) {
	windows, err := resolveWindows(objects)
	if err != nil {
		return ResolvedState{}, err
	}

	state := ResolvedState{Time: t, Layers: make(map[string]ResolvedObject)}
	for _, obj := range objects {
		w := windows[obj.ID]
		if !active(w, t) {
			continue
		}
		winner, exists := state.Layers[obj.Layer]
		if exists && !wins(obj, w, winner) {
			continue
		}
		state.Layers[obj.Layer] = resolveObject(obj, w, t, objects, windows)
	}
	return state, nil
}

func active(w window, t int64) bool {
	return w.start <= t && (w.end == nil || t < *w.end)
}

// wins decides a same-layer collision: a playing object beats a lookahead,
// otherwise the later start wins, ties go to the lexicographically smaller
// id so resolution stays deterministic.
func wins(obj Object, w window, current ResolvedObject) bool {
	if obj.IsLookahead != current.IsLookahead {
		return !obj.IsLookahead
	}
	if w.start != current.Start {
		return w.start > current.Start
	}
	return obj.ID < current.ID
}

func resolveObject(obj Object, w window, t int64, all []Object, windows map[string]window) ResolvedObject {
	resolved := ResolvedObject{
		ID:          obj.ID,
		Content:     mergeKeyframes(obj, w, t),
		IsLookahead: obj.IsLookahead,
		Start:       w.start,
		End:         w.end,
	}
	if obj.IsLookahead {
		resolved.PlayAfter = nextPlayStart(obj, w, all, windows)
	}
	return resolved
}

// nextPlayStart finds the start of the earliest non-lookahead object on the
// same layer at or after the lookahead's own start.
func nextPlayStart(obj Object, w window, all []Object, windows map[string]window) *int64 {
	var next *int64
	for _, other := range all {
		if other.Layer != obj.Layer || other.IsLookahead {
			continue
		}
		ow := windows[other.ID]
		if ow.start < w.start {
			continue
		}
		if next == nil || ow.start < *next {
			start := ow.start
			next = &start
		}
	}
	return next
}

// mergeKeyframes overlays every keyframe active at t onto the object's
// content, earlier keyframes first.
func mergeKeyframes(obj Object, w window, t int64) Content {
	content := obj.Content
	keyframes := slices.Clone(obj.Keyframes)
	sort.SliceStable(keyframes, func(i, j int) bool { return keyframes[i].Start < keyframes[j].Start })
	for _, kf := range keyframes {
		start := w.start + kf.Start
		if t < start {
			continue
		}
		if kf.Duration != nil && t >= start+*kf.Duration {
			continue
		}
		content = overlayContent(content, kf.Content)
	}
	return content
}

func overlayContent(base Content, overlay Content) Content {
	if overlay.Media != nil {
		base.Media = overlay.Media
	}
	if overlay.Input != nil {
		base.Input = overlay.Input
	}
	if overlay.Route != nil {
		base.Route = overlay.Route
	}
	if overlay.Mixer != nil {
		merged := MixerContent{}
		if base.Mixer != nil {
			merged = *base.Mixer
		}
		if overlay.Mixer.Volume != nil {
			merged.Volume = overlay.Mixer.Volume
		}
		if overlay.Mixer.Opacity != nil {
			merged.Opacity = overlay.Mixer.Opacity
		}
		base.Mixer = &merged
	}
	return base
}

// NewService binds a resolver for the conductor: state snapshots plus the
// change points that decide when snapshots are worth taking.
func NewService(resolver Resolver) *Service {
	return &Service{resolver: resolver}
}

type Service struct {
	resolver Resolver
}

func (s *Service) GetState(objects []Object, t int64) (ResolvedState, error) {
	return s.resolver.Resolve(objects, t)
}

// ChangePoints lists every instant in (from, until] where the resolved state
// can change: object starts and ends plus keyframe boundaries. The scan uses
// the engine's own window resolution, independent of the bound resolver.
func (s *Service) ChangePoints(objects []Object, from, until int64) ([]int64, error) {
	windows, err := resolveWindows(objects)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool)
	var points []int64
	add := func(t int64) {
		if t > from && t <= until && !seen[t] {
			seen[t] = true
			points = append(points, t)
		}
	}

	for _, obj := range objects {
		w := windows[obj.ID]
		add(w.start)
		if w.end != nil {
			add(*w.end)
		}
		for _, kf := range obj.Keyframes {
			add(w.start + kf.Start)
			if kf.Duration != nil {
				add(w.start + kf.Start + *kf.Duration)
			}
		}
	}

	slices.Sort(points)
	return points, nil
}
