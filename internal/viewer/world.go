package viewer

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/minerva-story/server/internal/softgl"
	"github.com/minerva-story/server/internal/tilesource"
)

// TileKey addresses one tile of a layer at a display level.
type TileKey struct {
	Level int
	X, Y  int
}

type tileState int

const (
	tileLoading tileState = iota
	tileLoaded
	tileFailed
)

type tile struct {
	state   tileState
	texture *softgl.Texture
	ready   chan struct{}
}

func (t *tile) finish(state tileState, tex *softgl.Texture) {
	t.state = state
	t.texture = tex
	close(t.ready)
}

// TiledImage is one layer of the world. Its Source descriptor stays attached
// for the layer's lifetime.
type TiledImage struct {
	Source *tilesource.Descriptor

	// NeedsDraw is set when render parameters change without new tiles.
	NeedsDraw bool

	tiles    *lru.Cache[TileKey, *tile]
	attached bool
}

// Attached reports whether the layer is still part of a world.
func (ti *TiledImage) Attached() bool {
	return ti.attached
}

// CachedTiles returns the number of tiles held by the layer.
func (ti *TiledImage) CachedTiles() int {
	return ti.tiles.Len()
}

// World is the ordered collection of layers. Order is stacking order,
// which is add order.
type World struct {
	items        []*TiledImage
	tilesPerItem int
}

func newWorld(tilesPerItem int) *World {
	if tilesPerItem <= 0 {
		tilesPerItem = 16
	}
	return &World{tilesPerItem: tilesPerItem}
}

// ItemCount returns the number of layers.
func (w *World) ItemCount() int {
	return len(w.items)
}

// ItemAt returns the layer at stacking index i.
func (w *World) ItemAt(i int) *TiledImage {
	if i < 0 || i >= len(w.items) {
		return nil
	}
	return w.items[i]
}

// Items returns a snapshot of the layers in stacking order.
func (w *World) Items() []*TiledImage {
	out := make([]*TiledImage, len(w.items))
	copy(out, w.items)
	return out
}

// AddItem appends a layer for src on top of the stack.
func (w *World) AddItem(src *tilesource.Descriptor) *TiledImage {
	// Size is validated positive above, so New cannot fail.
	tiles, _ := lru.New[TileKey, *tile](w.tilesPerItem)
	ti := &TiledImage{Source: src, tiles: tiles, attached: true, NeedsDraw: true}
	w.items = append(w.items, ti)
	return ti
}

// RemoveItem detaches a layer and releases its tiles. Tiles still in flight
// are discarded when they complete.
func (w *World) RemoveItem(ti *TiledImage) bool {
	for i, it := range w.items {
		if it == ti {
			w.items = append(w.items[:i], w.items[i+1:]...)
			ti.attached = false
			ti.tiles.Purge()
			return true
		}
	}
	return false
}

// RemoveAll detaches every layer.
func (w *World) RemoveAll() {
	for _, ti := range w.items {
		ti.attached = false
		ti.tiles.Purge()
	}
	w.items = nil
}
