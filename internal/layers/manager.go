// Package layers keeps the viewer's live layer set in step with the active
// channel set.
package layers

import (
	"log/slog"
	"sort"

	"github.com/minerva-story/server/internal/channel"
	"github.com/minerva-story/server/internal/reconcile"
	"github.com/minerva-story/server/internal/tilesource"
	"github.com/minerva-story/server/internal/viewer"
)

// Manager applies channel deltas to one viewer session. Every method must run
// on the viewer's loop, and every method is a no-op while no session is open.
type Manager struct {
	factory *tilesource.Factory
	viewer  *viewer.Viewer
	logger  *slog.Logger
}

// NewManager returns a manager that builds layers through factory.
func NewManager(factory *tilesource.Factory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{factory: factory, logger: logger.With("component", "layers")}
}

// Open binds the manager to a viewer session.
func (m *Manager) Open(v *viewer.Viewer) {
	m.viewer = v
}

// Close unbinds the session. Layers stay with the viewer.
func (m *Manager) Close() {
	m.viewer = nil
}

// Active reports whether a session is open.
func (m *Manager) Active() bool {
	return m.viewer != nil
}

// find returns the live layer showing channel id.
func (m *Manager) find(id int) *viewer.TiledImage {
	w := m.viewer.World()
	for i := 0; i < w.ItemCount(); i++ {
		item := w.ItemAt(i)
		if item.Source != nil && item.Source.ChannelID == id {
			return item
		}
	}
	return nil
}

// RemoveChannels detaches the layers of ids. Ids without a layer are skipped.
func (m *Manager) RemoveChannels(ids []int) {
	if m.viewer == nil {
		return
	}
	for _, id := range ids {
		item := m.find(id)
		if item == nil {
			continue
		}
		m.viewer.World().RemoveItem(item)
	}
}

// AddChannels creates a layer for every id that yields a descriptor.
func (m *Manager) AddChannels(ids []int, channels channel.Set, img channel.Image) {
	if m.viewer == nil {
		return
	}
	srcs := m.factory.MakeAll(ids, channels, img)
	if skipped := len(ids) - len(srcs); skipped > 0 {
		m.logger.Debug("channels not in active set", "skipped", skipped)
	}
	for _, src := range srcs {
		m.viewer.AddTiledImage(src)
	}
}

// RedrawChannels refreshes the render parameters of live layers in place.
// Tiles are kept; only uniforms change.
func (m *Manager) RedrawChannels(ids []int, channels channel.Set) {
	if m.viewer == nil {
		return
	}
	for _, id := range ids {
		item := m.find(id)
		if item == nil {
			continue
		}
		c, ok := channels.Get(id)
		if !ok {
			continue
		}
		item.Source.SetParams(c)
		item.NeedsDraw = true
	}
}

// Apply runs one reconciliation pass: remove, add, then redraw.
func (m *Manager) Apply(d reconcile.Delta, channels channel.Set, img channel.Image) {
	m.RemoveChannels(d.Removed)
	m.AddChannels(d.Added, channels, img)
	m.RedrawChannels(d.Redrawn, channels)
}

// LiveChannelIDs returns the channel ids of the live layers, sorted.
func (m *Manager) LiveChannelIDs() []int {
	if m.viewer == nil {
		return nil
	}
	w := m.viewer.World()
	ids := make([]int, 0, w.ItemCount())
	for i := 0; i < w.ItemCount(); i++ {
		ids = append(ids, w.ItemAt(i).Source.ChannelID)
	}
	sort.Ints(ids)
	return ids
}
