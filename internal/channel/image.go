package channel

import (
	"errors"
	"fmt"
)

// ChannelInfo names one channel of an image as stored in the pyramid.
type ChannelInfo struct {
	ID    int    `json:"id" yaml:"id"`
	Label string `json:"label" yaml:"label"`
}

// Image is the metadata of one multi-channel tile pyramid. It is immutable
// once loaded; navigating to another image replaces it wholesale.
type Image struct {
	UUID       string        `json:"uuid" yaml:"uuid"`
	Name       string        `json:"name" yaml:"name"`
	URL        string        `json:"url" yaml:"url"`
	FullWidth  int           `json:"fullWidth" yaml:"full_width"`
	FullHeight int           `json:"fullHeight" yaml:"full_height"`
	TileSize   int           `json:"tileSize" yaml:"tile_size"`
	MinLevel   int           `json:"minLevel" yaml:"min_level"`
	MaxLevel   int           `json:"maxLevel" yaml:"max_level"`
	Channels   []ChannelInfo `json:"channels,omitempty" yaml:"channels"`
}

// Validate checks pyramid geometry.
func (img Image) Validate() error {
	switch {
	case img.UUID == "":
		return errors.New("image uuid is empty")
	case img.URL == "":
		return fmt.Errorf("image %s: url is empty", img.UUID)
	case img.FullWidth <= 0 || img.FullHeight <= 0:
		return fmt.Errorf("image %s: invalid size %dx%d", img.UUID, img.FullWidth, img.FullHeight)
	case img.TileSize <= 0:
		return fmt.Errorf("image %s: invalid tile size %d", img.UUID, img.TileSize)
	case img.MinLevel < 0 || img.MinLevel > img.MaxLevel:
		return fmt.Errorf("image %s: invalid levels %d..%d", img.UUID, img.MinLevel, img.MaxLevel)
	}
	return nil
}

// Scale returns how many full-resolution pixels one display pixel covers at
// the given display level. The finest display level is MaxLevel.
func (img Image) Scale(displayLevel int) int {
	return 1 << (img.MaxLevel - displayLevel)
}

// TilesAt returns the tile grid dimensions at a display level.
func (img Image) TilesAt(displayLevel int) (cols, rows int) {
	span := img.TileSize * img.Scale(displayLevel)
	cols = (img.FullWidth + span - 1) / span
	rows = (img.FullHeight + span - 1) / span
	return cols, rows
}

// TileExtent returns the pixel size of a tile at a display level. Tiles on
// the right and bottom edges are clipped to the image.
func (img Image) TileExtent(displayLevel, x, y int) (w, h int) {
	scale := img.Scale(displayLevel)
	levelW := (img.FullWidth + scale - 1) / scale
	levelH := (img.FullHeight + scale - 1) / scale
	w = min(img.TileSize, levelW-x*img.TileSize)
	h = min(img.TileSize, levelH-y*img.TileSize)
	return max(w, 1), max(h, 1)
}

// ContainsTile reports whether (level, x, y) addresses a tile of the pyramid.
func (img Image) ContainsTile(displayLevel, x, y int) bool {
	if displayLevel < img.MinLevel || displayLevel > img.MaxLevel || x < 0 || y < 0 {
		return false
	}
	cols, rows := img.TilesAt(displayLevel)
	return x < cols && y < rows
}

// Label returns the configured label of a channel, or "" when unknown.
func (img Image) Label(id int) string {
	for _, c := range img.Channels {
		if c.ID == id {
			return c.Label
		}
	}
	return ""
}
