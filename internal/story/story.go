// Package story holds the story document: channel groups and the narrative
// waypoints authored over one image.
package story

import (
	"errors"
	"fmt"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/minerva-story/server/internal/channel"
	"github.com/minerva-story/server/pkg/colormap"
)

var (
	ErrNotFound      = errors.New("story not found")
	ErrGroupNotFound = errors.New("group not found")
	ErrInvalid       = errors.New("invalid story")
)

// GroupChannel is one channel of a rendering group. Min and Max are the
// normalized intensity window.
type GroupChannel struct {
	ID    int     `json:"id"`
	Label string  `json:"label,omitempty"`
	Color string  `json:"color,omitempty"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Group is a named false-color channel rendering.
type Group struct {
	Name     string         `json:"name"`
	Channels []GroupChannel `json:"channels"`
}

// ChannelSet converts the group to the active channel set. Channels without
// a color take the palette color for their position in the group.
func (g Group) ChannelSet() (channel.Set, error) {
	set := make(channel.Set, len(g.Channels))
	for i, gc := range g.Channels {
		rgb := colormap.Channels.RGB(i)
		if gc.Color != "" {
			c, err := colormap.ParseHex(gc.Color)
			if err != nil {
				return nil, fmt.Errorf("group %q channel %d: %w", g.Name, gc.ID, err)
			}
			rgb = c
		}
		set[gc.ID] = channel.Channel{
			ID:      gc.ID,
			Color:   rgb,
			Range:   channel.Range{Min: gc.Min, Max: gc.Max},
			Visible: true,
		}
	}
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("group %q: %w", g.Name, err)
	}
	return set, nil
}

// Arrow marks a point of interest. Point is in image fractions; Angle is in
// degrees.
type Arrow struct {
	Point [2]float64 `json:"point"`
	Angle float64    `json:"angle"`
	Text  string     `json:"text,omitempty"`
	Hide  bool       `json:"hide,omitempty"`
}

// Overlay is a highlighted region in image fractions.
type Overlay struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Waypoint is one narrative step: a view, a group and its annotations.
type Waypoint struct {
	Name     string     `json:"name"`
	Text     string     `json:"text,omitempty"`
	Group    string     `json:"group"`
	Pan      [2]float64 `json:"pan"`
	Zoom     float64    `json:"zoom"`
	Arrows   []Arrow    `json:"arrows,omitempty"`
	Overlays []Overlay  `json:"overlays,omitempty"`
}

// Story is the document the editor saves and publishes.
type Story struct {
	UUID      string     `json:"uuid"`
	Name      string     `json:"name"`
	ImageUUID string     `json:"image_uuid"`
	Groups    []Group    `json:"groups"`
	Waypoints []Waypoint `json:"waypoints"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Summary is the listing view of a story.
type Summary struct {
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	ImageUUID string    `json:"image_uuid"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks references between waypoints and groups and every group's
// channel windows.
func (s *Story) Validate() error {
	if s.ImageUUID == "" {
		return fmt.Errorf("%w: image_uuid is required", ErrInvalid)
	}
	names := make(map[string]bool, len(s.Groups))
	for _, g := range s.Groups {
		if g.Name == "" {
			return fmt.Errorf("%w: group without name", ErrInvalid)
		}
		if names[g.Name] {
			return fmt.Errorf("%w: duplicate group %q", ErrInvalid, g.Name)
		}
		names[g.Name] = true
		if _, err := g.ChannelSet(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	for i, wp := range s.Waypoints {
		if wp.Group != "" && !names[wp.Group] {
			return fmt.Errorf("%w: waypoint %d references unknown group %q", ErrInvalid, i, wp.Group)
		}
	}
	return nil
}

// narrativePolicy keeps the formatting the waypoint editor produces.
var narrativePolicy = bluemonday.UGCPolicy()

// Sanitize strips scripts and unsafe attributes from waypoint narrative
// HTML. Arrow labels are drawn as plain text and left alone.
func (s *Story) Sanitize() {
	for i := range s.Waypoints {
		s.Waypoints[i].Text = narrativePolicy.Sanitize(s.Waypoints[i].Text)
	}
}

// Group returns the group called name.
func (s *Story) Group(name string) (Group, error) {
	for _, g := range s.Groups {
		if g.Name == name {
			return g, nil
		}
	}
	return Group{}, fmt.Errorf("%w: %q", ErrGroupNotFound, name)
}

// Waypoint returns waypoint i.
func (s *Story) Waypoint(i int) (Waypoint, bool) {
	if i < 0 || i >= len(s.Waypoints) {
		return Waypoint{}, false
	}
	return s.Waypoints[i], true
}

// Summary returns the listing view.
func (s *Story) Summary() Summary {
	return Summary{UUID: s.UUID, Name: s.Name, ImageUUID: s.ImageUUID, UpdatedAt: s.UpdatedAt}
}
