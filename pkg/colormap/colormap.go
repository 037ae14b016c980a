// Package colormap provides channel colors: the default palette assigned to
// channels without an explicit color, and hex color parsing for story groups.
package colormap

import (
	"errors"
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// ErrBadHex is returned for strings that are not #rrggbb or #rgb.
var ErrBadHex = errors.New("invalid hex color")

// Palette cycles through distinct channel colors.
type Palette struct {
	colors []color.RGBA
}

// At returns the color for channel index i (wraps around).
func (p Palette) At(i int) color.RGBA {
	if i < 0 {
		i = -i
	}
	return p.colors[i%len(p.colors)]
}

// RGB returns the color for channel index i as components.
func (p Palette) RGB(i int) [3]int {
	c := p.At(i)
	return [3]int{int(c.R), int(c.G), int(c.B)}
}

// Len returns the number of distinct colors.
func (p Palette) Len() int {
	return len(p.colors)
}

// Channels is the fluorescence palette used for new groups: the primary
// additive colors first so the first channels stay separable when blended.
var Channels = Palette{
	colors: []color.RGBA{
		{0, 0, 255, 255},     // Blue
		{0, 255, 0, 255},     // Green
		{255, 0, 0, 255},     // Red
		{255, 255, 255, 255}, // White
		{0, 255, 255, 255},   // Cyan
		{255, 0, 255, 255},   // Magenta
		{255, 255, 0, 255},   // Yellow
		{255, 127, 14, 255},  // Orange
		{148, 103, 189, 255}, // Purple
		{23, 190, 207, 255},  // Teal
		{227, 119, 194, 255}, // Pink
		{188, 189, 34, 255},  // Olive
	},
}

// Overlay colors for waypoint annotations.
var (
	ArrowColor   = color.RGBA{255, 255, 255, 255}
	OverlayColor = color.RGBA{255, 255, 255, 255}
	LabelColor   = color.RGBA{0, 0, 0, 255}
)

// ParseHex parses "#rrggbb", "rrggbb" or "#rgb" into color components.
func ParseHex(s string) ([3]int, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) != 6 {
		return [3]int{}, fmt.Errorf("%w: %q", ErrBadHex, s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return [3]int{}, fmt.Errorf("%w: %q", ErrBadHex, s)
	}
	return [3]int{int(v >> 16 & 0xff), int(v >> 8 & 0xff), int(v & 0xff)}, nil
}

// Hex formats components as "#rrggbb". Components are clamped to [0, 255].
func Hex(c [3]int) string {
	return fmt.Sprintf("#%02x%02x%02x", clamp(c[0]), clamp(c[1]), clamp(c[2]))
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}
