package softgl

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"
)

func grayTexture(w, h int, v uint16) *Texture {
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		img.SetGray16(i%w, i/w, color.Gray16{Y: v})
	}
	return NewTexture(img)
}

func near(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-3
}

func TestLinkRejectsMissingShaders(t *testing.T) {
	t.Parallel()

	ctx := NewContext(2, 2)
	if err := ctx.Link(WindowedColorProgram("", "frag.glsl")); !errors.Is(err, ErrBadShader) {
		t.Fatalf("expected ErrBadShader, got %v", err)
	}
	if err := ctx.DrawTexture(grayTexture(1, 1, 0)); !errors.Is(err, ErrNoProgram) {
		t.Fatalf("expected ErrNoProgram, got %v", err)
	}
}

func TestWindowedColorShading(t *testing.T) {
	t.Parallel()

	ctx := NewContext(2, 2)
	if err := ctx.Link(WindowedColorProgram("vert.glsl", "frag.glsl")); err != nil {
		t.Fatalf("link: %v", err)
	}
	ctx.Uniform3fv(ctx.GetUniformLocation(UniformTileColor), [3]float32{1, 0.5, 0})
	ctx.Uniform2fv(ctx.GetUniformLocation(UniformTileRange), [2]float32{0, 0.5})

	// Intensity 0.25 is halfway through the [0, 0.5] window.
	if err := ctx.DrawTexture(grayTexture(2, 2, 0x4000)); err != nil {
		t.Fatalf("draw: %v", err)
	}
	px := ctx.Pixel(1, 1)
	if !near(px[0], 0.5) || !near(px[1], 0.25) || px[2] != 0 || px[3] != 1 {
		t.Fatalf("unexpected fragment: %v", px)
	}

	// Above the window saturates.
	ctx.Clear(ColorBufferBit)
	ctx.DrawTexture(grayTexture(2, 2, 0xffff))
	if px := ctx.Pixel(0, 0); !near(px[0], 1) || !near(px[1], 0.5) {
		t.Fatalf("expected saturated fragment, got %v", px)
	}
}

func TestAdditiveBlend(t *testing.T) {
	t.Parallel()

	ctx := NewContext(1, 1)
	ctx.Link(WindowedColorProgram("vert.glsl", "frag.glsl"))
	ctx.Enable(Blend)
	ctx.BlendEquation(FuncAdd)
	ctx.BlendFunc(One, One)
	colorLoc := ctx.GetUniformLocation(UniformTileColor)
	ctx.Uniform2fv(ctx.GetUniformLocation(UniformTileRange), [2]float32{0, 1})

	ctx.Uniform3fv(colorLoc, [3]float32{1, 0, 0})
	ctx.DrawTexture(grayTexture(1, 1, 0xffff))
	ctx.Uniform3fv(colorLoc, [3]float32{0, 0, 1})
	ctx.DrawTexture(grayTexture(1, 1, 0xffff))

	px := ctx.Pixel(0, 0)
	if px[0] != 1 || px[1] != 0 || px[2] != 1 {
		t.Fatalf("expected red+blue, got %v", px)
	}
	if ctx.DrawCalls() != 2 {
		t.Fatalf("expected 2 draw calls, got %d", ctx.DrawCalls())
	}
}

func TestUnknownUniformLocation(t *testing.T) {
	t.Parallel()

	ctx := NewContext(1, 1)
	if loc := ctx.GetUniformLocation(UniformTileColor); loc != -1 {
		t.Fatalf("expected -1 before link, got %d", loc)
	}
	ctx.Link(WindowedColorProgram("vert.glsl", "frag.glsl"))
	if loc := ctx.GetUniformLocation("u_missing"); loc != -1 {
		t.Fatalf("expected -1 for unknown uniform, got %d", loc)
	}
	ctx.Uniform2fv(-1, [2]float32{1, 2})
}
