// Package composite implements the per-tile channel compositing hooks:
// each layer's tile is windowed, tinted by its channel color and blended
// additively into the frame.
package composite

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/minerva-story/server/internal/softgl"
	"github.com/minerva-story/server/internal/viewer"
)

// ErrNotStaged is returned by OnDraw when no uniforms were staged for the tile.
var ErrNotStaged = errors.New("draw without staged uniforms")

// Stage is the position of the pipeline within one tile draw.
type Stage int

const (
	Idle Stage = iota
	Staged
	Drawn
)

func (s Stage) String() string {
	switch s {
	case Idle:
		return "idle"
	case Staged:
		return "staged"
	case Drawn:
		return "drawn"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Uniforms is the payload uploaded for one draw.
type Uniforms struct {
	Color [3]float32
	Range [2]float32
}

// Pipeline implements viewer.Hooks. It is driven from the viewer's loop only.
type Pipeline struct {
	logger *slog.Logger

	colorLoc softgl.UniformLocation
	rangeLoc softgl.UniformLocation
	linked   bool

	stage  Stage
	staged Uniforms

	draws int
}

var _ viewer.Hooks = (*Pipeline)(nil)

// NewPipeline returns an idle pipeline.
func NewPipeline(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		logger:   logger.With("component", "composite"),
		colorLoc: -1,
		rangeLoc: -1,
	}
}

// OnProgramLoad configures additive blending and binds the uniform locations.
func (p *Pipeline) OnProgramLoad(gl *softgl.Context, _ *softgl.Program) error {
	gl.Enable(softgl.Blend)
	gl.BlendEquation(softgl.FuncAdd)
	gl.BlendFunc(softgl.One, softgl.One)

	p.colorLoc = gl.GetUniformLocation(softgl.UniformTileColor)
	p.rangeLoc = gl.GetUniformLocation(softgl.UniformTileRange)
	if p.colorLoc < 0 || p.rangeLoc < 0 {
		return fmt.Errorf("program lacks %s or %s", softgl.UniformTileColor, softgl.UniformTileRange)
	}
	p.linked = true
	return nil
}

// OnTileDraw stages the owning layer's current color and range.
func (p *Pipeline) OnTileDraw(e *viewer.TileDrawEvent) {
	src := e.Item.Source
	p.staged = Uniforms{Color: src.Color, Range: src.Range}
	p.stage = Staged
}

// OnDraw clears the buffer, uploads the staged uniforms and draws the tile.
func (p *Pipeline) OnDraw(gl *softgl.Context, e *viewer.TileDrawEvent) error {
	if p.stage != Staged {
		return fmt.Errorf("%w: tile %d/%d/%d", ErrNotStaged, e.Level, e.X, e.Y)
	}
	if !p.linked {
		return softgl.ErrNoProgram
	}
	gl.Clear(softgl.ColorBufferBit)
	gl.Uniform3fv(p.colorLoc, p.staged.Color)
	gl.Uniform2fv(p.rangeLoc, p.staged.Range)
	if err := gl.DrawTexture(e.Texture); err != nil {
		p.stage = Idle
		return fmt.Errorf("draw tile %d/%d/%d: %w", e.Level, e.X, e.Y, err)
	}
	p.stage = Drawn
	p.draws++
	return nil
}

// OnTileLoaded passes the fetched bytes through unchanged.
func (p *Pipeline) OnTileLoaded(e *viewer.TileLoadedEvent) []byte {
	return e.Data
}

// Stage returns the current stage.
func (p *Pipeline) Stage() Stage {
	return p.stage
}

// Staged returns the last staged payload.
func (p *Pipeline) Staged() Uniforms {
	return p.staged
}

// Draws counts successful draws.
func (p *Pipeline) Draws() int {
	return p.draws
}
