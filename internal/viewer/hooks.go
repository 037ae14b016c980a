package viewer

import "github.com/minerva-story/server/internal/softgl"

// TileDrawEvent describes one layer's tile about to be drawn.
type TileDrawEvent struct {
	Item    *TiledImage
	Level   int
	X, Y    int
	Texture *softgl.Texture
}

// TileLoadedEvent carries the fetched bytes of one tile before decoding.
type TileLoadedEvent struct {
	Item  *TiledImage
	Level int
	X, Y  int
	URL   string
	Data  []byte
}

// ProgramLoadHook runs once, after the shader program is linked.
type ProgramLoadHook interface {
	OnProgramLoad(gl *softgl.Context, program *softgl.Program) error
}

// TileDrawHook runs before the GL draw of each layer tile. It must not
// issue GL calls.
type TileDrawHook interface {
	OnTileDraw(e *TileDrawEvent)
}

// DrawHook issues the GL calls for one layer tile.
type DrawHook interface {
	OnDraw(gl *softgl.Context, e *TileDrawEvent) error
}

// TileLoadedHook may replace the fetched bytes before decoding.
type TileLoadedHook interface {
	OnTileLoaded(e *TileLoadedEvent) []byte
}

// Hooks is the full set of callbacks the draw loop invokes. All of them run
// on the viewer's event loop.
type Hooks interface {
	ProgramLoadHook
	TileDrawHook
	DrawHook
	TileLoadedHook
}
