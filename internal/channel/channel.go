// Package channel holds the channel model consumed by the rendering core.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrInvalidRange = errors.New("invalid intensity range")
	ErrInvalidColor = errors.New("invalid color")
)

// Range is a normalized intensity display window.
type Range struct {
	Min float64
	Max float64
}

// MarshalJSON encodes the range as [min, max].
func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{r.Min, r.Max})
}

// UnmarshalJSON decodes a [min, max] pair.
func (r *Range) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("range must be [min, max]: %w", err)
	}
	r.Min, r.Max = pair[0], pair[1]
	return nil
}

// Valid reports whether 0 <= min < max <= 1.
func (r Range) Valid() bool {
	return r.Min >= 0 && r.Min < r.Max && r.Max <= 1
}

// RangeFromPercent converts a 0-100 slider pair to a normalized range.
func RangeFromPercent(lo, hi int) (Range, error) {
	r := Range{Min: float64(lo) / 100, Max: float64(hi) / 100}
	if !r.Valid() {
		return Range{}, fmt.Errorf("%w: %d..%d", ErrInvalidRange, lo, hi)
	}
	return r, nil
}

// Channel is one image channel as the story document describes it.
// The rendering core only reads channels.
type Channel struct {
	ID      int    `json:"id"`
	Color   [3]int `json:"color"`
	Range   Range  `json:"range"`
	Visible bool   `json:"visible"`
}

// Validate checks the color components and the intensity window.
func (c Channel) Validate() error {
	for _, v := range c.Color {
		if v < 0 || v > 255 {
			return fmt.Errorf("channel %d: %w: %v", c.ID, ErrInvalidColor, c.Color)
		}
	}
	if !c.Range.Valid() {
		return fmt.Errorf("channel %d: %w: [%g, %g]", c.ID, ErrInvalidRange, c.Range.Min, c.Range.Max)
	}
	return nil
}

// NormalizedColor returns the color scaled to [0, 1] per component.
func (c Channel) NormalizedColor() [3]float32 {
	return [3]float32{
		float32(c.Color[0]) / 255,
		float32(c.Color[1]) / 255,
		float32(c.Color[2]) / 255,
	}
}

// NormalizedRange returns the window as shader floats.
func (c Channel) NormalizedRange() [2]float32 {
	return [2]float32{float32(c.Range.Min), float32(c.Range.Max)}
}

// SameParams reports whether two channels render identically.
func (c Channel) SameParams(o Channel) bool {
	return c.Color == o.Color && c.Range == o.Range && c.Visible == o.Visible
}

// Set is the active channel set, keyed by channel id.
type Set map[int]Channel

// NewSet builds a set from a list of channels; later duplicates win.
func NewSet(channels ...Channel) Set {
	s := make(Set, len(channels))
	for _, c := range channels {
		s[c.ID] = c
	}
	return s
}

// UnmarshalJSON accepts the channel map contract: {"<id>": {color, range, visible}}.
// The map key is authoritative for the channel id.
func (s *Set) UnmarshalJSON(data []byte) error {
	var raw map[int]Channel
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Set, len(raw))
	for id, c := range raw {
		c.ID = id
		out[id] = c
	}
	*s = out
	return nil
}

// Get returns the channel for id. A missing id means "do not render".
func (s Set) Get(id int) (Channel, bool) {
	c, ok := s[id]
	return c, ok
}

// IDs returns the channel ids in ascending order.
func (s Set) IDs() []int {
	ids := make([]int, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Visible returns the subset of channels flagged visible.
func (s Set) Visible() Set {
	out := make(Set, len(s))
	for id, c := range s {
		if c.Visible {
			out[id] = c
		}
	}
	return out
}

// Validate validates every channel in the set.
func (s Set) Validate() error {
	var errs []error
	for _, id := range s.IDs() {
		c := s[id]
		if c.ID != id {
			errs = append(errs, fmt.Errorf("channel keyed %d carries id %d", id, c.ID))
			continue
		}
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Clone returns a shallow copy; channels are values so this is a full copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for id, c := range s {
		out[id] = c
	}
	return out
}
