// Package reconcile computes the layer deltas between two render passes.
package reconcile

import "github.com/minerva-story/server/internal/channel"

// State is the render cache: the image and channel set of the last
// committed render pass.
type State struct {
	ImageID  string
	Channels channel.Set
}

// Delta lists the channel ids to remove, add and redraw in place.
// Changed is the subset of Redrawn whose render parameters differ from the
// previous pass.
type Delta struct {
	Added   []int `json:"added"`
	Removed []int `json:"removed"`
	Redrawn []int `json:"redrawn"`
	Changed []int `json:"changed"`
}

// Empty reports whether the pass can be skipped: nothing enters, nothing
// leaves and no surviving channel changed.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Reconcile diffs next against prev. The returned state is always next:
// every call is one committed render pass.
func Reconcile(prev, next State) (State, Delta) {
	committed := State{ImageID: next.ImageID, Channels: next.Channels.Clone()}

	prevIDs := prev.Channels.IDs()
	nextIDs := next.Channels.IDs()

	// Channel ids are only meaningful within one image's pyramid.
	if prev.ImageID != next.ImageID {
		return committed, Delta{
			Added:   nextIDs,
			Removed: prevIDs,
			Redrawn: []int{},
			Changed: []int{},
		}
	}

	d := Delta{
		Added:   []int{},
		Removed: []int{},
		Redrawn: []int{},
		Changed: []int{},
	}
	for _, id := range nextIDs {
		old, ok := prev.Channels[id]
		if !ok {
			d.Added = append(d.Added, id)
			continue
		}
		d.Redrawn = append(d.Redrawn, id)
		if !old.SameParams(next.Channels[id]) {
			d.Changed = append(d.Changed, id)
		}
	}
	for _, id := range prevIDs {
		if _, ok := next.Channels[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}

	return committed, d
}

// Engine owns the render cache across passes.
type Engine struct {
	state State
}

// NewEngine returns an engine with an empty cache; the first commit adds
// every channel.
func NewEngine() *Engine {
	return &Engine{state: State{Channels: channel.Set{}}}
}

// Commit records (imageID, channels) as the rendered pass and returns the
// delta against the previous one.
func (e *Engine) Commit(imageID string, channels channel.Set) Delta {
	next, d := Reconcile(e.state, State{ImageID: imageID, Channels: channels})
	e.state = next
	return d
}

// State returns a copy of the cached pass.
func (e *Engine) State() State {
	return State{ImageID: e.state.ImageID, Channels: e.state.Channels.Clone()}
}

// Reset forgets the cached pass.
func (e *Engine) Reset() {
	e.state = State{Channels: channel.Set{}}
}
