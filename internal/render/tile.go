// Package render encodes composited tiles, draws waypoint annotations over
// them with fogleman/gg and resamples them to the requested output size.
package render

import (
	"bytes"
	"image"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"
	"golang.org/x/image/draw"

	"github.com/minerva-story/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	TileSize    int
	ArrowLength float64
	LineWidth   float64
}

// Rect is a region overlay in tile pixel coordinates.
type Rect struct {
	X, Y, W, H float64
}

// Arrow points at (X, Y) in tile pixel coordinates. Angle is in degrees,
// measured clockwise from the positive x axis, and gives the direction the
// arrow points.
type Arrow struct {
	X, Y  float64
	Angle float64
	Label string
}

// Annotations are the waypoint marks that fall on one tile.
type Annotations struct {
	Rects  []Rect
	Arrows []Arrow
}

// Empty reports whether there is nothing to draw.
func (a Annotations) Empty() bool {
	return len(a.Rects) == 0 && len(a.Arrows) == 0
}

// TileRenderer turns composited canvases into PNG tiles.
type TileRenderer struct {
	config     Config
	bufferPool sync.Pool
	emptyOnce  sync.Once
	empty      []byte
	emptyErr   error
}

// NewTileRenderer creates a new tile renderer.
func NewTileRenderer(cfg Config) *TileRenderer {
	if cfg.TileSize <= 0 {
		cfg.TileSize = 1024
	}
	if cfg.ArrowLength <= 0 {
		cfg.ArrowLength = 48
	}
	if cfg.LineWidth <= 0 {
		cfg.LineWidth = 3
	}
	return &TileRenderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 256*1024))
			},
		},
	}
}

// RenderComposite draws ann over canvas, scales the result so its longest
// side is size (when size > 0) and encodes it. canvas is modified.
func (r *TileRenderer) RenderComposite(canvas *image.RGBA, ann Annotations, size int) ([]byte, error) {
	if !ann.Empty() {
		r.Annotate(canvas, ann)
	}
	var out image.Image = canvas
	if size > 0 {
		out = Resize(canvas, size)
	}
	return r.Encode(out)
}

// Annotate draws region outlines and arrows onto canvas in place.
func (r *TileRenderer) Annotate(canvas *image.RGBA, ann Annotations) {
	dc := gg.NewContextForRGBA(canvas)
	dc.SetLineWidth(r.config.LineWidth)

	dc.SetColor(colormap.OverlayColor)
	for _, rect := range ann.Rects {
		dc.DrawRectangle(rect.X, rect.Y, rect.W, rect.H)
		dc.Stroke()
	}

	for _, a := range ann.Arrows {
		r.drawArrow(dc, a)
	}
}

func (r *TileRenderer) drawArrow(dc *gg.Context, a Arrow) {
	length := r.config.ArrowLength
	head := length / 3
	theta := gg.Radians(a.Angle)

	// Tail sits opposite the pointing direction.
	tx := a.X - length*math.Cos(theta)
	ty := a.Y - length*math.Sin(theta)

	dc.SetColor(colormap.ArrowColor)
	dc.DrawLine(tx, ty, a.X, a.Y)
	dc.Stroke()

	dc.MoveTo(a.X, a.Y)
	dc.LineTo(a.X-head*math.Cos(theta-math.Pi/6), a.Y-head*math.Sin(theta-math.Pi/6))
	dc.LineTo(a.X-head*math.Cos(theta+math.Pi/6), a.Y-head*math.Sin(theta+math.Pi/6))
	dc.ClosePath()
	dc.Fill()

	if a.Label == "" {
		return
	}
	w, h := dc.MeasureString(a.Label)
	pad := 4.0
	dc.SetColor(colormap.ArrowColor)
	dc.DrawRectangle(tx-w/2-pad, ty-h-2*pad, w+2*pad, h+2*pad)
	dc.Fill()
	dc.SetColor(colormap.LabelColor)
	dc.DrawStringAnchored(a.Label, tx, ty-h/2-pad, 0.5, 0.5)
}

// Resize scales img so its longest side is size, keeping the aspect ratio.
func Resize(img image.Image, size int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w >= h {
		h = max(1, h*size/max(w, 1))
		w = size
	} else {
		w = max(1, w*size/h)
		h = size
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Encode writes img as a PNG.
func (r *TileRenderer) Encode(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// CreateEmptyTile returns a transparent black tile. Black is the identity
// of additive compositing.
func (r *TileRenderer) CreateEmptyTile() ([]byte, error) {
	r.emptyOnce.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, r.config.TileSize, r.config.TileSize))
		r.empty, r.emptyErr = r.Encode(img)
	})
	return r.empty, r.emptyErr
}

// CreateEmptyTileSize returns a transparent tile of w by h pixels.
func (r *TileRenderer) CreateEmptyTileSize(w, h int) ([]byte, error) {
	if w == r.config.TileSize && h == r.config.TileSize {
		return r.CreateEmptyTile()
	}
	return r.Encode(image.NewRGBA(image.Rect(0, 0, w, h)))
}
