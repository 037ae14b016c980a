// Package tilesource builds the per-channel tile source descriptors handed
// to the deep-zoom viewer.
package tilesource

import (
	"context"
	"strings"

	"github.com/minerva-story/server/internal/channel"
)

// FetchFunc loads the bytes of one tile URL. ok is false when the tile is
// unavailable; the failure has already been reported by the fetcher.
type FetchFunc func(ctx context.Context, url string) (data []byte, ok bool)

// Geometry is the pyramid layout copied from the image.
type Geometry struct {
	Width    int
	Height   int
	TileSize int
	MinLevel int
	MaxLevel int
}

// Descriptor is everything the viewer knows about one channel layer. It stays
// attached to its tiled image for the layer's whole lifetime; the channel id
// read from it is the only way a layer is identified.
type Descriptor struct {
	Geometry  Geometry
	ImageID   string
	ChannelID int
	URL       string

	// Uniforms consumed by the compositing pipeline. Patched in place on redraw.
	Color [3]float32
	Range [2]float32

	Fetch FetchFunc
}

// StoredLevel maps a display level to the stored pyramid level.
func (d *Descriptor) StoredLevel(displayLevel int) int {
	return d.Geometry.MaxLevel - displayLevel
}

// TileURL returns the URL of the tile at display level, column x, row y.
func (d *Descriptor) TileURL(displayLevel, x, y int) string {
	return strings.TrimSuffix(d.URL, "/") + "/" + TileName(d.ChannelID, d.StoredLevel(displayLevel), x, y)
}

// SetParams replaces the render parameters from the channel's current values.
func (d *Descriptor) SetParams(c channel.Channel) {
	d.Color = c.NormalizedColor()
	d.Range = c.NormalizedRange()
}

// Factory builds descriptors bound to a tile fetch function.
type Factory struct {
	Fetch FetchFunc
}

// NewFactory returns a factory whose descriptors load tiles through fetch.
func NewFactory(fetch FetchFunc) *Factory {
	return &Factory{Fetch: fetch}
}

// Make builds the descriptor for channel id of img. It returns false when id
// has no entry in channels; a missing channel is not an error.
func (f *Factory) Make(id int, channels channel.Set, img channel.Image) (*Descriptor, bool) {
	c, ok := channels.Get(id)
	if !ok {
		return nil, false
	}
	d := &Descriptor{
		Geometry: Geometry{
			Width:    img.FullWidth,
			Height:   img.FullHeight,
			TileSize: img.TileSize,
			MinLevel: img.MinLevel,
			MaxLevel: img.MaxLevel,
		},
		ImageID:   img.UUID,
		ChannelID: id,
		URL:       img.URL,
		Fetch:     f.Fetch,
	}
	d.SetParams(c)
	return d, true
}

// MakeAll builds descriptors for ids, skipping the ones without a channel.
func (f *Factory) MakeAll(ids []int, channels channel.Set, img channel.Image) []*Descriptor {
	out := make([]*Descriptor, 0, len(ids))
	for _, id := range ids {
		if d, ok := f.Make(id, channels, img); ok {
			out = append(out, d)
		}
	}
	return out
}
