package api

import (
	"github.com/minerva-story/server/internal/channel"
)

// ImageInfo is the catalog listing entry of an image.
type ImageInfo struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Channels int    `json:"channels"`
	Levels   int    `json:"levels"`
}

// ImageRegistry holds the image catalog in config order.
type ImageRegistry struct {
	images map[string]channel.Image
	order  []string
}

// NewImageRegistry creates a registry from images, keeping their order.
// A later duplicate UUID replaces the earlier entry.
func NewImageRegistry(images []channel.Image) *ImageRegistry {
	r := &ImageRegistry{images: make(map[string]channel.Image, len(images))}
	for _, img := range images {
		r.Register(img)
	}
	return r
}

// Register adds an image.
func (r *ImageRegistry) Register(img channel.Image) {
	if _, ok := r.images[img.UUID]; !ok {
		r.order = append(r.order, img.UUID)
	}
	r.images[img.UUID] = img
}

// Image returns the metadata of an image.
func (r *ImageRegistry) Image(uuid string) (channel.Image, bool) {
	img, ok := r.images[uuid]
	return img, ok
}

// UUIDs returns all image ids in config order.
func (r *ImageRegistry) UUIDs() []string {
	return r.order
}

// Images returns listing info for all registered images.
func (r *ImageRegistry) Images() []ImageInfo {
	infos := make([]ImageInfo, 0, len(r.order))
	for _, id := range r.order {
		img := r.images[id]
		name := img.Name
		if name == "" {
			name = id
		}
		infos = append(infos, ImageInfo{
			UUID:     id,
			Name:     name,
			Channels: len(img.Channels),
			Levels:   img.MaxLevel - img.MinLevel + 1,
		})
	}
	return infos
}
