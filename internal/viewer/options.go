package viewer

import (
	"errors"
	"fmt"
)

// Composite operations understood by the canvas.
const (
	CompositeLighter    = "lighter"
	CompositeSourceOver = "source-over"
)

// Options are the renderer session parameters.
type Options struct {
	TileSize             int    `yaml:"tile_size"`
	CollectionMode       bool   `yaml:"collection_mode"`
	CollectionRows       int    `yaml:"collection_rows"`
	CollectionTileSize   int    `yaml:"collection_tile_size"`
	CollectionTileMargin int    `yaml:"collection_tile_margin"`
	LoadTilesWithAjax    bool   `yaml:"load_tiles_with_ajax"`
	VertexShader         string `yaml:"vertex_shader"`
	FragmentShader       string `yaml:"fragment_shader"`
	CompositeOperation   string `yaml:"composite_operation"`
	MaxTilesPerLayer     int    `yaml:"max_tiles_per_layer"`
}

// DefaultOptions returns the channel compositing setup: every layer stacked
// on the same spot and blended additively.
func DefaultOptions() Options {
	return Options{
		TileSize:             1024,
		CollectionMode:       true,
		CollectionRows:       1,
		CollectionTileSize:   1,
		CollectionTileMargin: -1,
		LoadTilesWithAjax:    true,
		VertexShader:         "vert.glsl",
		FragmentShader:       "frag.glsl",
		CompositeOperation:   CompositeLighter,
		MaxTilesPerLayer:     16,
	}
}

// Validate rejects options the renderer cannot honor.
func (o Options) Validate() error {
	if o.TileSize <= 0 {
		return fmt.Errorf("invalid tile size %d", o.TileSize)
	}
	if !o.LoadTilesWithAjax {
		return errors.New("tiles are only loaded through the tile source fetch function")
	}
	switch o.CompositeOperation {
	case CompositeLighter, CompositeSourceOver:
	default:
		return fmt.Errorf("unsupported composite operation %q", o.CompositeOperation)
	}
	return nil
}
