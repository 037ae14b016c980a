// Package softgl is a small software stand-in for the WebGL state the tile
// shaders run against: one framebuffer, one linked program, blend state and
// uniform slots.
package softgl

import (
	"errors"
	"fmt"
)

// Capability is a toggleable pipeline feature.
type Capability int

const (
	Blend Capability = iota + 1
)

// BlendEquation combines weighted source and destination.
type BlendEquation int

const (
	FuncAdd BlendEquation = iota + 1
	FuncSubtract
)

// BlendFactor weights one blend operand.
type BlendFactor int

const (
	Zero BlendFactor = iota + 1
	One
	SrcAlpha
	OneMinusSrcAlpha
)

// ClearMask selects buffers to clear.
type ClearMask int

const (
	ColorBufferBit ClearMask = 1 << iota
)

// UniformLocation addresses a uniform of the linked program; -1 is invalid.
type UniformLocation int

var (
	ErrNoProgram = errors.New("no program linked")
	ErrBadShader = errors.New("shader source missing")
)

// Context is a single framebuffer render target.
type Context struct {
	width, height int
	fb            []float32 // RGBA, row major

	program  *Program
	uniforms [][]float32

	enabled  map[Capability]bool
	equation BlendEquation
	src, dst BlendFactor

	drawCalls int
}

// NewContext allocates a width x height framebuffer.
func NewContext(width, height int) *Context {
	return &Context{
		width:    width,
		height:   height,
		fb:       make([]float32, width*height*4),
		enabled:  make(map[Capability]bool),
		equation: FuncAdd,
		src:      One,
		dst:      Zero,
	}
}

// Size returns the framebuffer dimensions.
func (c *Context) Size() (int, int) { return c.width, c.height }

// Link makes p the current program and resets its uniforms.
func (c *Context) Link(p *Program) error {
	if p == nil || p.Shade == nil {
		return ErrNoProgram
	}
	if p.VertexShader == "" || p.FragmentShader == "" {
		return fmt.Errorf("%w: vertex=%q fragment=%q", ErrBadShader, p.VertexShader, p.FragmentShader)
	}
	c.program = p
	c.uniforms = make([][]float32, len(p.Uniforms))
	return nil
}

// Program returns the linked program.
func (c *Context) Program() *Program { return c.program }

// Enable turns a capability on.
func (c *Context) Enable(capability Capability) {
	c.enabled[capability] = true
}

// Disable turns a capability off.
func (c *Context) Disable(capability Capability) {
	c.enabled[capability] = false
}

// IsEnabled reports whether a capability is on.
func (c *Context) IsEnabled(capability Capability) bool {
	return c.enabled[capability]
}

// BlendEquation sets how weighted operands combine.
func (c *Context) BlendEquation(eq BlendEquation) {
	c.equation = eq
}

// BlendFunc sets the source and destination factors.
func (c *Context) BlendFunc(src, dst BlendFactor) {
	c.src, c.dst = src, dst
}

// BlendState reports the blend configuration.
func (c *Context) BlendState() (BlendEquation, BlendFactor, BlendFactor) {
	return c.equation, c.src, c.dst
}

// GetUniformLocation resolves a uniform of the linked program.
func (c *Context) GetUniformLocation(name string) UniformLocation {
	if c.program == nil {
		return -1
	}
	for i, u := range c.program.Uniforms {
		if u == name {
			return UniformLocation(i)
		}
	}
	return -1
}

func (c *Context) setUniform(loc UniformLocation, v []float32) {
	if loc < 0 || int(loc) >= len(c.uniforms) {
		return
	}
	c.uniforms[loc] = v
}

// Uniform3fv uploads a vec3.
func (c *Context) Uniform3fv(loc UniformLocation, v [3]float32) { c.setUniform(loc, v[:]) }

// Uniform2fv uploads a vec2.
func (c *Context) Uniform2fv(loc UniformLocation, v [2]float32) { c.setUniform(loc, v[:]) }

// Uniform returns the uploaded value at loc.
func (c *Context) Uniform(loc UniformLocation) []float32 {
	if loc < 0 || int(loc) >= len(c.uniforms) {
		return nil
	}
	return c.uniforms[loc]
}

// Clear zeroes the selected buffers.
func (c *Context) Clear(mask ClearMask) {
	if mask&ColorBufferBit != 0 {
		clear(c.fb)
	}
}

// DrawTexture runs the linked program over every texel of tex, writing at
// the framebuffer origin with the current blend state.
func (c *Context) DrawTexture(tex *Texture) error {
	if c.program == nil {
		return ErrNoProgram
	}
	c.drawCalls++

	w := min(tex.Width, c.width)
	h := min(tex.Height, c.height)
	blend := c.enabled[Blend]
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			frag := c.program.Shade(tex.At(x, y), c.uniforms)
			i := (y*c.width + x) * 4
			if !blend {
				copy(c.fb[i:i+4], frag[:])
				continue
			}
			dst := [4]float32{c.fb[i], c.fb[i+1], c.fb[i+2], c.fb[i+3]}
			sf := factor(c.src, frag, dst)
			df := factor(c.dst, frag, dst)
			for k := 0; k < 4; k++ {
				s, d := frag[k]*sf, dst[k]*df
				if c.equation == FuncSubtract {
					c.fb[i+k] = s - d
				} else {
					c.fb[i+k] = s + d
				}
			}
		}
	}
	return nil
}

func factor(f BlendFactor, src, dst [4]float32) float32 {
	switch f {
	case Zero:
		return 0
	case SrcAlpha:
		return src[3]
	case OneMinusSrcAlpha:
		return 1 - src[3]
	default:
		return 1
	}
}

// DrawCalls counts DrawTexture calls since creation.
func (c *Context) DrawCalls() int { return c.drawCalls }

// Pixel returns the framebuffer value at (x, y).
func (c *Context) Pixel(x, y int) [4]float32 {
	i := (y*c.width + x) * 4
	return [4]float32{c.fb[i], c.fb[i+1], c.fb[i+2], c.fb[i+3]}
}
