package softgl

import (
	"image"
	"image/color"
)

// ShadeFunc is a fragment program: it maps one texel intensity and the
// uploaded uniforms (indexed by location) to an RGBA fragment.
type ShadeFunc func(texel float32, uniforms [][]float32) [4]float32

// Program is a linked vertex/fragment pair. The shader names are the file
// references the viewer was configured with.
type Program struct {
	VertexShader   string
	FragmentShader string
	Uniforms       []string
	Shade          ShadeFunc
}

const (
	UniformTileColor = "u_tile_color"
	UniformTileRange = "u_tile_range"
)

// WindowedColorProgram returns the channel program: the texel intensity is
// windowed to [min, max], clamped to [0, 1] and multiplied by the channel color.
func WindowedColorProgram(vertexShader, fragmentShader string) *Program {
	return &Program{
		VertexShader:   vertexShader,
		FragmentShader: fragmentShader,
		Uniforms:       []string{UniformTileColor, UniformTileRange},
		Shade:          windowedColor,
	}
}

func windowedColor(texel float32, uniforms [][]float32) [4]float32 {
	col, rng := uniforms[0], uniforms[1]
	if len(col) < 3 || len(rng) < 2 {
		return [4]float32{}
	}
	span := rng[1] - rng[0]
	if span <= 0 {
		return [4]float32{}
	}
	v := (texel - rng[0]) / span
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	return [4]float32{col[0] * v, col[1] * v, col[2] * v, 1}
}

// Texture is a single-channel 16-bit intensity image.
type Texture struct {
	Width, Height int
	texels        []uint16
}

// NewTexture converts a decoded tile to intensities. 16-bit grayscale keeps
// its full precision; color images use their luminance.
func NewTexture(img image.Image) *Texture {
	b := img.Bounds()
	t := &Texture{Width: b.Dx(), Height: b.Dy(), texels: make([]uint16, b.Dx()*b.Dy())}
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			t.texels[y*t.Width+x] = g.Y
		}
	}
	return t
}

// At returns the intensity at (x, y) in [0, 1].
func (t *Texture) At(x, y int) float32 {
	return float32(t.texels[y*t.Width+x]) / 0xffff
}

// Bytes reports the texture's memory footprint.
func (t *Texture) Bytes() int {
	return len(t.texels) * 2
}
