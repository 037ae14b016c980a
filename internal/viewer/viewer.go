// Package viewer is the deep-zoom renderer the rendering core drives: a world
// of per-channel tiled images, asynchronous tile loading and a draw loop that
// hands each layer tile to the compositing hooks.
package viewer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"log/slog"

	"github.com/minerva-story/server/internal/softgl"
	"github.com/minerva-story/server/internal/tilesource"
)

// ErrTileOutOfRange is returned for tile coordinates outside the pyramid.
var ErrTileOutOfRange = errors.New("tile out of range")

// Stats describes one rendered tile.
type Stats struct {
	Layers  int // layers in the world
	Drawn   int // layers that contributed a texture
	Missing int // layers whose tile was unavailable
}

// Viewer owns the world, the GL context and the canvas. Every method except
// New and RenderTile must run on the viewer's loop.
type Viewer struct {
	loop    *Loop
	opts    Options
	hooks   Hooks
	logger  *slog.Logger
	world   *World
	gl      *softgl.Context
	program *softgl.Program

	ctx    context.Context
	cancel context.CancelFunc

	inflight int
}

// New links the shader program and runs the program-load hook once.
func New(loop *Loop, opts Options, hooks Hooks, logger *slog.Logger) (*Viewer, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("viewer options: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	gl := softgl.NewContext(opts.TileSize, opts.TileSize)
	program := softgl.WindowedColorProgram(opts.VertexShader, opts.FragmentShader)
	if err := gl.Link(program); err != nil {
		return nil, fmt.Errorf("link program: %w", err)
	}
	if err := hooks.OnProgramLoad(gl, program); err != nil {
		return nil, fmt.Errorf("program load hook: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Viewer{
		loop:    loop,
		opts:    opts,
		hooks:   hooks,
		logger:  logger.With("component", "viewer"),
		world:   newWorld(opts.MaxTilesPerLayer),
		gl:      gl,
		program: program,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// World returns the layer collection.
func (v *Viewer) World() *World {
	return v.world
}

// Options returns the session parameters.
func (v *Viewer) Options() Options {
	return v.opts
}

// GL exposes the GL context for inspection.
func (v *Viewer) GL() *softgl.Context {
	return v.gl
}

// AddTiledImage adds a layer for src on top of the stack.
func (v *Viewer) AddTiledImage(src *tilesource.Descriptor) *TiledImage {
	return v.world.AddItem(src)
}

// InFlight returns the number of tile fetches not yet completed.
func (v *Viewer) InFlight() int {
	return v.inflight
}

// Destroy detaches every layer and abandons pending fetches.
func (v *Viewer) Destroy() {
	v.cancel()
	v.world.RemoveAll()
}

// requestTile returns the layer's tile at key, starting a fetch when it is
// not cached.
func (v *Viewer) requestTile(item *TiledImage, key TileKey) *tile {
	if t, ok := item.tiles.Get(key); ok {
		return t
	}
	t := &tile{state: tileLoading, ready: make(chan struct{})}
	item.tiles.Add(key, t)

	url := item.Source.TileURL(key.Level, key.X, key.Y)
	fetch := item.Source.Fetch
	if fetch == nil {
		t.finish(tileFailed, nil)
		item.tiles.Remove(key)
		return t
	}

	v.inflight++
	go func() {
		data, ok := fetch(v.ctx, url)
		if !v.loop.Post(func() { v.tileFetched(item, key, t, url, data, ok) }) {
			close(t.ready)
		}
	}()
	return t
}

// tileFetched runs on the loop when a fetch completes.
func (v *Viewer) tileFetched(item *TiledImage, key TileKey, t *tile, url string, data []byte, ok bool) {
	v.inflight--
	if !item.Attached() || !ok {
		// No live layer to apply to, or the fetcher already reported the failure.
		t.finish(tileFailed, nil)
		item.tiles.Remove(key)
		return
	}

	data = v.hooks.OnTileLoaded(&TileLoadedEvent{
		Item: item, Level: key.Level, X: key.X, Y: key.Y, URL: url, Data: data,
	})

	go func() {
		img, _, err := image.Decode(bytes.NewReader(data))
		var tex *softgl.Texture
		if err == nil {
			tex = softgl.NewTexture(img)
		}
		if !v.loop.Post(func() { v.tileDecoded(item, key, t, url, tex, err) }) {
			close(t.ready)
		}
	}()
}

func (v *Viewer) tileDecoded(item *TiledImage, key TileKey, t *tile, url string, tex *softgl.Texture, err error) {
	if err != nil {
		v.logger.Warn("tile decode failed", "url", url, "err", err)
		t.finish(tileFailed, nil)
		item.tiles.Remove(key)
		return
	}
	t.finish(tileLoaded, tex)
	if !item.Attached() {
		item.tiles.Remove(key)
	}
}

type pending struct {
	item *TiledImage
	tile *tile
}

// prepare validates the coordinates and requests the tile from every layer.
func (v *Viewer) prepare(level, x, y int) ([]pending, error) {
	items := v.world.Items()
	if len(items) > 0 && !contains(items[0].Source.Geometry, level, x, y) {
		return nil, fmt.Errorf("%w: level=%d x=%d y=%d", ErrTileOutOfRange, level, x, y)
	}
	out := make([]pending, 0, len(items))
	key := TileKey{Level: level, X: x, Y: y}
	for _, item := range items {
		out = append(out, pending{item: item, tile: v.requestTile(item, key)})
	}
	return out, nil
}

// RenderTile loads and composites the tile at display level, column x,
// row y across all layers. It may be called from any goroutine except the
// loop's own.
func (v *Viewer) RenderTile(ctx context.Context, level, x, y int) (*image.RGBA, Stats, error) {
	var (
		waits   []pending
		prepErr error
	)
	if err := v.loop.Do(ctx, func() { waits, prepErr = v.prepare(level, x, y) }); err != nil {
		return nil, Stats{}, err
	}
	if prepErr != nil {
		return nil, Stats{}, prepErr
	}

	for _, p := range waits {
		select {
		case <-p.tile.ready:
		case <-ctx.Done():
			return nil, Stats{}, ctx.Err()
		case <-v.loop.Done():
			// A completion queued behind Close never runs.
			return nil, Stats{}, ErrLoopClosed
		}
	}

	var (
		canvas *image.RGBA
		stats  Stats
	)
	if err := v.loop.Do(ctx, func() { canvas, stats = v.draw(level, x, y, waits) }); err != nil {
		return nil, Stats{}, err
	}
	return canvas, stats, nil
}

// draw runs the per-layer hooks in stacking order and composites each GL
// pass onto the canvas.
func (v *Viewer) draw(level, x, y int, loaded []pending) (*image.RGBA, Stats) {
	prepared := make(map[*TiledImage]*tile, len(loaded))
	for _, p := range loaded {
		prepared[p.item] = p.tile
	}

	items := v.world.Items()
	w, h := v.opts.TileSize, v.opts.TileSize
	if len(items) > 0 {
		w, h = extent(items[0].Source.Geometry, level, x, y)
	}
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	stats := Stats{Layers: len(items)}

	key := TileKey{Level: level, X: x, Y: y}
	for _, item := range items {
		t, ok := prepared[item]
		if !ok {
			// Added after the tiles were requested; drawn on a later pass.
			t, ok = item.tiles.Peek(key)
		}
		if !ok || t.state != tileLoaded || t.texture == nil {
			stats.Missing++
			continue
		}

		if glW, glH := v.gl.Size(); t.texture.Width > glW || t.texture.Height > glH {
			v.logger.Warn("tile larger than framebuffer", "channel", item.Source.ChannelID,
				"tile", fmt.Sprintf("%dx%d", t.texture.Width, t.texture.Height), "framebuffer", glW)
			stats.Missing++
			continue
		}

		e := &TileDrawEvent{Item: item, Level: level, X: x, Y: y, Texture: t.texture}
		v.hooks.OnTileDraw(e)
		if err := v.hooks.OnDraw(v.gl, e); err != nil {
			v.logger.Warn("layer draw failed", "channel", item.Source.ChannelID, "err", err)
			stats.Missing++
			continue
		}
		composite(canvas, v.gl, t.texture.Width, t.texture.Height, v.opts.CompositeOperation)
		item.NeedsDraw = false
		stats.Drawn++
	}
	return canvas, stats
}

func contains(g tilesource.Geometry, level, x, y int) bool {
	if level < g.MinLevel || level > g.MaxLevel || x < 0 || y < 0 {
		return false
	}
	span := g.TileSize << (g.MaxLevel - level)
	return x*span < g.Width && y*span < g.Height
}

// extent returns the pixel size of a tile; edge tiles are smaller.
func extent(g tilesource.Geometry, level, x, y int) (int, int) {
	scale := 1 << (g.MaxLevel - level)
	levelW := (g.Width + scale - 1) / scale
	levelH := (g.Height + scale - 1) / scale
	w := min(g.TileSize, levelW-x*g.TileSize)
	h := min(g.TileSize, levelH-y*g.TileSize)
	return max(w, 1), max(h, 1)
}

// composite applies the GL framebuffer to the canvas with the canvas
// composite operation.
func composite(canvas *image.RGBA, gl *softgl.Context, texW, texH int, op string) {
	b := canvas.Bounds()
	glW, glH := gl.Size()
	w := min(b.Dx(), texW, glW)
	h := min(b.Dy(), texH, glH)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px := gl.Pixel(x, y)
			i := canvas.PixOffset(x, y)
			for k := 0; k < 4; k++ {
				src := toByte(px[k])
				if op == CompositeLighter {
					canvas.Pix[i+k] = uint8(min(int(canvas.Pix[i+k])+int(src), 255))
				} else {
					canvas.Pix[i+k] = src
				}
			}
		}
	}
}

func toByte(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}
