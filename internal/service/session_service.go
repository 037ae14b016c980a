// Package service provides the viewer session and publishing logic behind
// the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/minerva-story/server/internal/cache"
	"github.com/minerva-story/server/internal/channel"
	"github.com/minerva-story/server/internal/composite"
	"github.com/minerva-story/server/internal/layers"
	"github.com/minerva-story/server/internal/reconcile"
	"github.com/minerva-story/server/internal/render"
	"github.com/minerva-story/server/internal/story"
	"github.com/minerva-story/server/internal/tilesource"
	"github.com/minerva-story/server/internal/viewer"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrImageNotFound    = errors.New("image not found")
	ErrInvalidChannels  = errors.New("invalid channels")
	ErrSessionClosed    = errors.New("session closed")
	ErrTileOutOfRange   = viewer.ErrTileOutOfRange
	ErrWaypointNotFound = errors.New("waypoint not found")
)

// ImageCatalog resolves image metadata by UUID.
type ImageCatalog interface {
	Image(uuid string) (channel.Image, bool)
}

// SessionServiceConfig contains session service configuration.
type SessionServiceConfig struct {
	Catalog     ImageCatalog
	Fetch       tilesource.FetchFunc
	Cache       *cache.Manager
	Renderer    *render.TileRenderer
	Viewer      viewer.Options
	MaxSessions int
	LoopDepth   int
	Logger      *slog.Logger
}

// SessionService owns the live viewer sessions. The least recently used
// session is closed when the limit is reached.
type SessionService struct {
	cfg      SessionServiceConfig
	factory  *tilesource.Factory
	sessions *lru.Cache[string, *Session]
	logger   *slog.Logger
}

// NewSessionService creates a session service.
func NewSessionService(cfg SessionServiceConfig) (*SessionService, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("session service requires an image catalog")
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.NewTileRenderer(render.Config{TileSize: cfg.Viewer.TileSize})
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &SessionService{
		cfg:     cfg,
		factory: tilesource.NewFactory(cfg.Fetch),
		logger:  logger.With("component", "sessions"),
	}
	sessions, err := lru.NewWithEvict[string, *Session](cfg.MaxSessions, func(id string, sess *Session) {
		sess.Close()
		s.logger.Debug("session closed", "session", id)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	s.sessions = sessions
	return s, nil
}

// Create opens a session showing imageUUID with no channels.
func (s *SessionService) Create(imageUUID string) (*Session, error) {
	sess, err := s.open(imageUUID)
	if err != nil {
		return nil, err
	}
	s.sessions.Add(sess.id, sess)
	s.logger.Info("session opened", "session", sess.id, "image", imageUUID)
	return sess, nil
}

// open builds a session that is not tracked by the LRU.
func (s *SessionService) open(imageUUID string) (*Session, error) {
	img, ok := s.cfg.Catalog.Image(imageUUID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, imageUUID)
	}

	id := uuid.NewString()
	logger := s.logger.With("session", id)
	loop := viewer.NewLoop(s.cfg.LoopDepth)
	pipeline := composite.NewPipeline(logger)
	v, err := viewer.New(loop, s.cfg.Viewer, pipeline, logger)
	if err != nil {
		loop.Close()
		return nil, err
	}
	lm := layers.NewManager(s.factory, logger)
	lm.Open(v)

	return &Session{
		id:        id,
		image:     img,
		catalog:   s.cfg.Catalog,
		loop:      loop,
		viewer:    v,
		pipeline:  pipeline,
		layers:    lm,
		engine:    reconcile.NewEngine(),
		cache:     s.cfg.Cache,
		renderer:  s.cfg.Renderer,
		logger:    logger,
		createdAt: time.Now(),
	}, nil
}

// Get returns a live session.
func (s *SessionService) Get(id string) (*Session, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// Delete closes and forgets a session.
func (s *SessionService) Delete(id string) error {
	if !s.sessions.Remove(id) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// Len returns the number of live sessions.
func (s *SessionService) Len() int {
	return s.sessions.Len()
}

// Close closes every session.
func (s *SessionService) Close() {
	s.sessions.Purge()
}

// Session is one viewer: an image, its active channels and the live layers
// showing them. All session state lives on the session's event loop.
type Session struct {
	id        string
	catalog   ImageCatalog
	loop      *viewer.Loop
	viewer    *viewer.Viewer
	pipeline  *composite.Pipeline
	layers    *layers.Manager
	engine    *reconcile.Engine
	cache     *cache.Manager
	renderer  *render.TileRenderer
	logger    *slog.Logger
	createdAt time.Time

	// Loop-owned.
	image     channel.Image
	stateHash string

	closeOnce sync.Once
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// CreatedAt returns when the session was opened.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Session) do(ctx context.Context, fn func()) error {
	err := s.loop.Do(ctx, fn)
	if errors.Is(err, viewer.ErrLoopClosed) {
		return ErrSessionClosed
	}
	return err
}

// Update commits channels as the session's render state. An empty imageUUID
// keeps the current image. Hidden channels are not rendered.
func (s *Session) Update(ctx context.Context, imageUUID string, channels channel.Set) (reconcile.Delta, error) {
	if err := channels.Validate(); err != nil {
		return reconcile.Delta{}, fmt.Errorf("%w: %v", ErrInvalidChannels, err)
	}

	var img channel.Image
	if imageUUID != "" {
		var ok bool
		if img, ok = s.catalog.Image(imageUUID); !ok {
			return reconcile.Delta{}, fmt.Errorf("%w: %s", ErrImageNotFound, imageUUID)
		}
	}

	visible := channels.Visible()
	var d reconcile.Delta
	err := s.do(ctx, func() {
		if imageUUID != "" {
			s.image = img
		}
		d = s.engine.Commit(s.image.UUID, visible)
		s.stateHash = cache.StateHash(s.image.UUID, visible)
		if d.Empty() {
			return
		}
		s.layers.Apply(d, visible, s.image)
	})
	if err != nil {
		return reconcile.Delta{}, err
	}
	s.logger.Debug("channels committed",
		"added", d.Added, "removed", d.Removed, "redrawn", d.Redrawn, "changed", d.Changed)
	return d, nil
}

// ShowGroup renders a story group.
func (s *Session) ShowGroup(ctx context.Context, st *story.Story, groupName string) (reconcile.Delta, error) {
	g, err := st.Group(groupName)
	if err != nil {
		return reconcile.Delta{}, err
	}
	set, err := g.ChannelSet()
	if err != nil {
		return reconcile.Delta{}, fmt.Errorf("%w: %v", ErrInvalidChannels, err)
	}
	return s.Update(ctx, st.ImageUUID, set)
}

// Info is a snapshot of a session.
type Info struct {
	ID       string        `json:"session_id"`
	Image    channel.Image `json:"image"`
	Channels []int         `json:"channels"`
	Layers   []int         `json:"layers"`
	Pending  int           `json:"pending_tiles"`
}

// Info returns the current image, committed channels and live layers.
func (s *Session) Info(ctx context.Context) (Info, error) {
	info := Info{ID: s.id}
	err := s.do(ctx, func() {
		info.Image = s.image
		info.Channels = s.engine.State().Channels.IDs()
		info.Layers = s.layers.LiveChannelIDs()
		info.Pending = s.viewer.InFlight()
	})
	if info.Layers == nil {
		info.Layers = []int{}
	}
	return info, err
}

// TileRequest addresses one composite tile.
type TileRequest struct {
	Level, X, Y int
	Size        int // longest output side in pixels; 0 keeps the tile size

	// Waypoint annotations to draw, keyed for caching by WaypointKey.
	Waypoint    *story.Waypoint
	WaypointKey string
}

// RenderTile returns the composited PNG for req.
func (s *Session) RenderTile(ctx context.Context, req TileRequest) ([]byte, error) {
	var (
		img   channel.Image
		hash  string
		empty bool
	)
	err := s.do(ctx, func() {
		img, hash = s.image, s.stateHash
		empty = len(s.engine.State().Channels) == 0
	})
	if err != nil {
		return nil, err
	}
	if !img.ContainsTile(req.Level, req.X, req.Y) {
		return nil, fmt.Errorf("%w: level=%d x=%d y=%d", ErrTileOutOfRange, req.Level, req.X, req.Y)
	}
	if empty && req.Waypoint == nil && req.Size == 0 {
		return s.renderer.CreateEmptyTileSize(img.TileExtent(req.Level, req.X, req.Y))
	}

	key := cache.CompositeKey(hash, req.Level, req.X, req.Y, req.WaypointKey, req.Size)
	if s.cache != nil && hash != "" {
		if data, ok := s.cache.GetComposite(key); ok {
			return data, nil
		}
	}

	canvas, stats, err := s.viewer.RenderTile(ctx, req.Level, req.X, req.Y)
	if err != nil {
		if errors.Is(err, viewer.ErrLoopClosed) {
			return nil, ErrSessionClosed
		}
		return nil, err
	}

	var ann render.Annotations
	if req.Waypoint != nil {
		ann = Annotations(img, *req.Waypoint, req.Level, req.X, req.Y)
	}
	data, err := s.renderer.RenderComposite(canvas, ann, req.Size)
	if err != nil {
		return nil, fmt.Errorf("encode tile: %w", err)
	}

	// Incomplete composites are not cached so missing layers fill in later.
	if s.cache != nil && hash != "" && stats.Missing == 0 {
		var current string
		if err := s.do(ctx, func() { current = s.stateHash }); err == nil && current == hash {
			s.cache.SetComposite(key, data)
		}
	}
	return data, nil
}

// Annotations projects a waypoint's arrows and overlays, given in image
// fractions, onto the pixel space of one tile.
func Annotations(img channel.Image, wp story.Waypoint, level, x, y int) render.Annotations {
	scale := float64(img.Scale(level))
	ox := float64(x * img.TileSize)
	oy := float64(y * img.TileSize)
	px := func(fx float64) float64 { return fx*float64(img.FullWidth)/scale - ox }
	py := func(fy float64) float64 { return fy*float64(img.FullHeight)/scale - oy }

	var ann render.Annotations
	for _, o := range wp.Overlays {
		ann.Rects = append(ann.Rects, render.Rect{
			X: px(o.X),
			Y: py(o.Y),
			W: o.Width * float64(img.FullWidth) / scale,
			H: o.Height * float64(img.FullHeight) / scale,
		})
	}
	for _, a := range wp.Arrows {
		if a.Hide {
			continue
		}
		ann.Arrows = append(ann.Arrows, render.Arrow{
			X:     px(a.Point[0]),
			Y:     py(a.Point[1]),
			Angle: a.Angle,
			Label: a.Text,
		})
	}
	return ann
}

// Close tears down the session's layers and stops its loop. Pending tile
// fetches complete and are discarded.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.loop.Do(context.Background(), func() {
			s.layers.Close()
			s.viewer.Destroy()
			s.engine.Reset()
		})
		s.loop.Close()
	})
}
