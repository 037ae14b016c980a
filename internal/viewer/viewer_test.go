package viewer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/minerva-story/server/internal/softgl"
	"github.com/minerva-story/server/internal/tilesource"
)

type testHooks struct {
	colorLoc, rangeLoc softgl.UniformLocation
	color              [3]float32
	rng                [2]float32
	programLoads       int
	replace            func([]byte) []byte
}

func (h *testHooks) OnProgramLoad(gl *softgl.Context, _ *softgl.Program) error {
	h.programLoads++
	gl.Enable(softgl.Blend)
	gl.BlendEquation(softgl.FuncAdd)
	gl.BlendFunc(softgl.One, softgl.One)
	h.colorLoc = gl.GetUniformLocation(softgl.UniformTileColor)
	h.rangeLoc = gl.GetUniformLocation(softgl.UniformTileRange)
	return nil
}

func (h *testHooks) OnTileDraw(e *TileDrawEvent) {
	h.color = e.Item.Source.Color
	h.rng = e.Item.Source.Range
}

func (h *testHooks) OnDraw(gl *softgl.Context, e *TileDrawEvent) error {
	gl.Clear(softgl.ColorBufferBit)
	gl.Uniform3fv(h.colorLoc, h.color)
	gl.Uniform2fv(h.rangeLoc, h.rng)
	return gl.DrawTexture(e.Texture)
}

func (h *testHooks) OnTileLoaded(e *TileLoadedEvent) []byte {
	if h.replace != nil {
		return h.replace(e.Data)
	}
	return e.Data
}

func grayPNG(t *testing.T, w, h int, v uint16) []byte {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray16(x, y, color.Gray16{Y: v})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

type countingFetch struct {
	mu    sync.Mutex
	data  []byte
	fail  bool
	calls map[string]int
	gate  chan struct{}
}

func (f *countingFetch) fetch(ctx context.Context, url string) ([]byte, bool) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[url]++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, false
		}
	}
	if f.fail {
		return nil, false
	}
	return f.data, true
}

func (f *countingFetch) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func testGeometry() tilesource.Geometry {
	return tilesource.Geometry{Width: 100, Height: 60, TileSize: 64, MinLevel: 0, MaxLevel: 1}
}

func newTestViewer(t *testing.T, hooks Hooks) (*Viewer, *Loop) {
	t.Helper()
	loop := NewLoop(0)
	t.Cleanup(loop.Close)
	opts := DefaultOptions()
	opts.TileSize = 64
	v, err := New(loop, opts, hooks, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v, loop
}

func addLayer(t *testing.T, v *Viewer, loop *Loop, id int, col [3]float32, fetch tilesource.FetchFunc) *TiledImage {
	t.Helper()
	var ti *TiledImage
	err := loop.Do(context.Background(), func() {
		ti = v.AddTiledImage(&tilesource.Descriptor{
			Geometry:  testGeometry(),
			ChannelID: id,
			URL:       "https://bucket.s3.amazonaws.com/img",
			Color:     col,
			Range:     [2]float32{0, 1},
			Fetch:     fetch,
		})
	})
	if err != nil {
		t.Fatalf("add layer: %v", err)
	}
	return ti
}

func TestNewRunsProgramLoadOnce(t *testing.T) {
	hooks := &testHooks{}
	v, _ := newTestViewer(t, hooks)
	if hooks.programLoads != 1 {
		t.Fatalf("program loads = %d, want 1", hooks.programLoads)
	}
	if !v.GL().IsEnabled(softgl.Blend) {
		t.Fatalf("blend not enabled after program load")
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	loop := NewLoop(0)
	defer loop.Close()
	opts := DefaultOptions()
	opts.CompositeOperation = "multiply"
	if _, err := New(loop, opts, &testHooks{}, nil); err == nil {
		t.Fatalf("expected error for unsupported composite operation")
	}
}

func TestRenderTileComposesLayersAdditively(t *testing.T) {
	hooks := &testHooks{}
	v, loop := newTestViewer(t, hooks)
	f := &countingFetch{data: grayPNG(t, 64, 60, 0xffff)}
	addLayer(t, v, loop, 0, [3]float32{1, 0, 0}, f.fetch)
	addLayer(t, v, loop, 1, [3]float32{0, 0, 1}, f.fetch)

	canvas, stats, err := v.RenderTile(context.Background(), 1, 0, 0)
	if err != nil {
		t.Fatalf("RenderTile: %v", err)
	}
	if stats.Layers != 2 || stats.Drawn != 2 || stats.Missing != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := canvas.Bounds().Size(); got != image.Pt(64, 60) {
		t.Fatalf("canvas size = %v, want 64x60", got)
	}
	got := canvas.RGBAAt(10, 10)
	want := color.RGBA{R: 255, G: 0, B: 255, A: 255}
	if got != want {
		t.Fatalf("pixel = %v, want %v", got, want)
	}
}

func TestRenderTileEdgeExtent(t *testing.T) {
	v, loop := newTestViewer(t, &testHooks{})
	f := &countingFetch{data: grayPNG(t, 36, 60, 0x8000)}
	addLayer(t, v, loop, 0, [3]float32{0, 1, 0}, f.fetch)

	canvas, _, err := v.RenderTile(context.Background(), 1, 1, 0)
	if err != nil {
		t.Fatalf("RenderTile: %v", err)
	}
	if got := canvas.Bounds().Size(); got != image.Pt(36, 60) {
		t.Fatalf("edge tile size = %v, want 36x60", got)
	}

	canvas, _, err = v.RenderTile(context.Background(), 0, 0, 0)
	if err != nil {
		t.Fatalf("RenderTile level 0: %v", err)
	}
	if got := canvas.Bounds().Size(); got != image.Pt(50, 30) {
		t.Fatalf("level 0 size = %v, want 50x30", got)
	}
}

func TestRenderTileOutOfRange(t *testing.T) {
	v, loop := newTestViewer(t, &testHooks{})
	f := &countingFetch{data: grayPNG(t, 4, 4, 0)}
	addLayer(t, v, loop, 0, [3]float32{1, 1, 1}, f.fetch)

	for _, c := range []struct{ level, x, y int }{
		{2, 0, 0},
		{-1, 0, 0},
		{1, 2, 0},
		{1, 0, 1},
		{0, 1, 0},
		{1, -1, 0},
	} {
		_, _, err := v.RenderTile(context.Background(), c.level, c.x, c.y)
		if !errors.Is(err, ErrTileOutOfRange) {
			t.Errorf("RenderTile(%d,%d,%d) err = %v, want ErrTileOutOfRange", c.level, c.x, c.y, err)
		}
	}
	if f.total() != 0 {
		t.Fatalf("out of range requests fetched %d tiles", f.total())
	}
}

func TestRenderTileEmptyWorld(t *testing.T) {
	v, _ := newTestViewer(t, &testHooks{})
	canvas, stats, err := v.RenderTile(context.Background(), 0, 0, 0)
	if err != nil {
		t.Fatalf("RenderTile: %v", err)
	}
	if stats.Layers != 0 {
		t.Fatalf("layers = %d", stats.Layers)
	}
	if got := canvas.Bounds().Size(); got != image.Pt(64, 64) {
		t.Fatalf("blank canvas = %v", got)
	}
}

func TestRenderTileCachesTextures(t *testing.T) {
	v, loop := newTestViewer(t, &testHooks{})
	f := &countingFetch{data: grayPNG(t, 64, 60, 0xffff)}
	ti := addLayer(t, v, loop, 3, [3]float32{1, 1, 1}, f.fetch)

	for i := 0; i < 3; i++ {
		if _, _, err := v.RenderTile(context.Background(), 1, 0, 0); err != nil {
			t.Fatalf("RenderTile: %v", err)
		}
	}
	if f.total() != 1 {
		t.Fatalf("fetches = %d, want 1", f.total())
	}
	var cached int
	var needsDraw bool
	_ = loop.Do(context.Background(), func() {
		cached = ti.CachedTiles()
		needsDraw = ti.NeedsDraw
	})
	if cached != 1 {
		t.Fatalf("cached tiles = %d", cached)
	}
	if needsDraw {
		t.Fatalf("layer still marked for redraw after drawing")
	}
}

func TestRenderTileFailedFetchIsMissing(t *testing.T) {
	v, loop := newTestViewer(t, &testHooks{})
	ok := &countingFetch{data: grayPNG(t, 64, 60, 0xffff)}
	bad := &countingFetch{fail: true}
	addLayer(t, v, loop, 0, [3]float32{1, 0, 0}, ok.fetch)
	addLayer(t, v, loop, 1, [3]float32{0, 1, 0}, bad.fetch)

	canvas, stats, err := v.RenderTile(context.Background(), 1, 0, 0)
	if err != nil {
		t.Fatalf("RenderTile: %v", err)
	}
	if stats.Drawn != 1 || stats.Missing != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := canvas.RGBAAt(0, 0); got.G != 0 || got.R != 255 {
		t.Fatalf("pixel = %v", got)
	}
}

func TestRenderTileUndecodableIsMissing(t *testing.T) {
	v, loop := newTestViewer(t, &testHooks{})
	f := &countingFetch{data: []byte("not a png")}
	addLayer(t, v, loop, 0, [3]float32{1, 0, 0}, f.fetch)

	_, stats, err := v.RenderTile(context.Background(), 1, 0, 0)
	if err != nil {
		t.Fatalf("RenderTile: %v", err)
	}
	if stats.Missing != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestTileLoadedHookReplacesBytes(t *testing.T) {
	replacement := grayPNG(t, 64, 60, 0xffff)
	hooks := &testHooks{replace: func([]byte) []byte { return replacement }}
	v, loop := newTestViewer(t, hooks)
	f := &countingFetch{data: []byte("garbage")}
	addLayer(t, v, loop, 0, [3]float32{0, 1, 0}, f.fetch)

	canvas, stats, err := v.RenderTile(context.Background(), 1, 0, 0)
	if err != nil {
		t.Fatalf("RenderTile: %v", err)
	}
	if stats.Drawn != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := canvas.RGBAAt(5, 5); got.G != 255 {
		t.Fatalf("pixel = %v", got)
	}
}

func TestRemovedLayerDiscardsInflightTile(t *testing.T) {
	v, loop := newTestViewer(t, &testHooks{})
	f := &countingFetch{data: grayPNG(t, 64, 60, 0xffff), gate: make(chan struct{})}
	ti := addLayer(t, v, loop, 0, [3]float32{1, 0, 0}, f.fetch)

	type result struct {
		stats Stats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		_, stats, err := v.RenderTile(context.Background(), 1, 0, 0)
		done <- result{stats, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.total() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("fetch never started")
		}
		time.Sleep(time.Millisecond)
	}
	var removed bool
	_ = loop.Do(context.Background(), func() { removed = v.World().RemoveItem(ti) })
	if !removed {
		t.Fatalf("layer not removed")
	}
	close(f.gate)

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("RenderTile: %v", r.err)
		}
		if r.stats.Layers != 0 || r.stats.Drawn != 0 {
			t.Fatalf("stats = %+v, want nothing drawn", r.stats)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("render did not finish")
	}

	var cached int
	_ = loop.Do(context.Background(), func() { cached = ti.CachedTiles() })
	if cached != 0 {
		t.Fatalf("detached layer kept %d tiles", cached)
	}
}

func TestRenderTileReturnsWhenLoopClosesWithQueuedFetch(t *testing.T) {
	v, loop := newTestViewer(t, &testHooks{})
	f := &countingFetch{data: grayPNG(t, 64, 60, 0xffff), gate: make(chan struct{})}
	addLayer(t, v, loop, 0, [3]float32{1, 0, 0}, f.fetch)

	done := make(chan error, 1)
	go func() {
		_, _, err := v.RenderTile(context.Background(), 1, 0, 0)
		done <- err
	}()

	waitFor := func(what string, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %s", what)
			}
			time.Sleep(time.Millisecond)
		}
	}
	waitFor("fetch start", func() bool { return f.total() > 0 })

	// Park the loop so the fetch completion stays queued.
	release := make(chan struct{})
	parked := make(chan struct{})
	loop.Post(func() {
		close(parked)
		<-release
	})
	<-parked
	close(f.gate)
	waitFor("queued completion", func() bool { return len(loop.queue) > 0 })

	go loop.Close()
	waitFor("loop quit", func() bool {
		select {
		case <-loop.quit:
			return true
		default:
			return false
		}
	})
	close(release)

	select {
	case err := <-done:
		if !errors.Is(err, ErrLoopClosed) {
			t.Fatalf("err = %v, want ErrLoopClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("RenderTile did not return after loop close")
	}
}

func TestRenderTileLargerThanFramebufferIsMissing(t *testing.T) {
	v, loop := newTestViewer(t, &testHooks{})
	f := &countingFetch{data: grayPNG(t, 128, 128, 0xffff)}
	err := loop.Do(context.Background(), func() {
		v.AddTiledImage(&tilesource.Descriptor{
			Geometry:  tilesource.Geometry{Width: 128, Height: 128, TileSize: 128},
			ChannelID: 0,
			URL:       "https://bucket.s3.amazonaws.com/big",
			Color:     [3]float32{1, 1, 1},
			Range:     [2]float32{0, 1},
			Fetch:     f.fetch,
		})
	})
	if err != nil {
		t.Fatalf("add layer: %v", err)
	}

	_, stats, err := v.RenderTile(context.Background(), 0, 0, 0)
	if err != nil {
		t.Fatalf("RenderTile: %v", err)
	}
	if stats.Drawn != 0 || stats.Missing != 1 {
		t.Fatalf("stats = %+v, want the clipped layer reported missing", stats)
	}
}

func TestRenderTileHonorsContext(t *testing.T) {
	v, loop := newTestViewer(t, &testHooks{})
	f := &countingFetch{data: grayPNG(t, 4, 4, 0), gate: make(chan struct{})}
	defer close(f.gate)
	addLayer(t, v, loop, 0, [3]float32{1, 0, 0}, f.fetch)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := v.RenderTile(ctx, 1, 0, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestDestroyDetachesLayers(t *testing.T) {
	v, loop := newTestViewer(t, &testHooks{})
	f := &countingFetch{data: grayPNG(t, 4, 4, 0)}
	ti := addLayer(t, v, loop, 0, [3]float32{1, 0, 0}, f.fetch)

	var count int
	_ = loop.Do(context.Background(), func() {
		v.Destroy()
		count = v.World().ItemCount()
	})
	if count != 0 || ti.Attached() {
		t.Fatalf("destroy left %d layers, attached=%v", count, ti.Attached())
	}
}

func TestLoopDoAfterClose(t *testing.T) {
	loop := NewLoop(1)
	loop.Close()
	if err := loop.Do(context.Background(), func() {}); !errors.Is(err, ErrLoopClosed) {
		t.Fatalf("err = %v, want ErrLoopClosed", err)
	}
	var ran atomic.Bool
	if loop.Post(func() { ran.Store(true) }) {
		t.Fatalf("post accepted after close")
	}
}
