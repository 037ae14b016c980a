// Package config handles configuration loading for the Minerva tile server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/minerva-story/server/internal/channel"
	"github.com/minerva-story/server/internal/fetch"
	"github.com/minerva-story/server/internal/viewer"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
	Images   ImagesConfig   `yaml:"images"`
	Cache    CacheConfig    `yaml:"cache"`
	Viewer   viewer.Options `yaml:"viewer"`
	Render   RenderConfig   `yaml:"render"`
	Sessions SessionsConfig `yaml:"sessions"`
	Stories  StoriesConfig  `yaml:"stories"`
	Publish  PublishConfig  `yaml:"publish"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// StorageConfig contains object storage settings for tile fetches.
type StorageConfig struct {
	Region       string            `yaml:"region"`
	Endpoint     string            `yaml:"endpoint"`
	UsePathStyle bool              `yaml:"use_path_style"`
	Credentials  fetch.Credentials `yaml:"credentials"`
}

// ImagesConfig is the image catalog in file order.
//
//	images:
//	  <uuid>:
//	    name: ...
//	    url: https://bucket.s3.amazonaws.com/prefix
//	    full_width: ...
type ImagesConfig struct {
	Images []channel.Image
}

// UnmarshalYAML keeps the mapping order of the images section.
func (c *ImagesConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("images: expected a mapping, got %s", nodeKind(node))
	}
	c.Images = c.Images[:0]
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		var img channel.Image
		if err := val.Decode(&img); err != nil {
			return fmt.Errorf("images.%s: %w", key.Value, err)
		}
		img.UUID = key.Value
		c.Images = append(c.Images, img)
	}
	return nil
}

// UUIDs returns image ids in config order.
func (c ImagesConfig) UUIDs() []string {
	ids := make([]string, 0, len(c.Images))
	for _, img := range c.Images {
		ids = append(ids, img.UUID)
	}
	return ids
}

func nodeKind(n *yaml.Node) string {
	switch n.Kind {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "document"
	}
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	TileSizeMB       int `yaml:"tile_size_mb"`
	TileTTLMinutes   int `yaml:"tile_ttl_minutes"`
	MaxTileKB        int `yaml:"max_tile_kb"`
	CompositeEntries int `yaml:"composite_entries"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	ArrowLength float64 `yaml:"arrow_length"`
	LineWidth   float64 `yaml:"line_width"`
}

// SessionsConfig bounds the live viewer sessions.
type SessionsConfig struct {
	MaxSessions int `yaml:"max_sessions"`
	LoopDepth   int `yaml:"loop_depth"`
}

// StoriesConfig contains story document storage settings.
type StoriesConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// PublishConfig contains publish job settings.
type PublishConfig struct {
	OutputDir     string `yaml:"output_dir"`
	SQLitePath    string `yaml:"sqlite_path"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		cfg := DefaultConfig()
		applyDefaults(cfg)
		return cfg, nil
	}

	// Decode over the defaults so omitted viewer flags keep their values.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	for i := range cfg.Images.Images {
		img := &cfg.Images.Images[i]
		if img.URL != "" {
			// Accept s3://bucket/prefix keys as well as tile base URLs.
			if img.URL, err = fetch.KeyToURL(img.URL); err != nil {
				return nil, fmt.Errorf("image %s: %w", img.UUID, err)
			}
		}
		if err := img.Validate(); err != nil {
			return nil, fmt.Errorf("image %s: %w", img.UUID, err)
		}
		if img.TileSize > cfg.Viewer.TileSize {
			return nil, fmt.Errorf("image %s: tile size %d exceeds viewer tile size %d", img.UUID, img.TileSize, cfg.Viewer.TileSize)
		}
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Region: "us-east-1",
		},
		Cache: CacheConfig{
			TileSizeMB:       256,
			TileTTLMinutes:   10,
			MaxTileKB:        2048,
			CompositeEntries: 512,
		},
		Viewer: viewer.DefaultOptions(),
		Render: RenderConfig{
			ArrowLength: 48,
			LineWidth:   3,
		},
		Sessions: SessionsConfig{
			MaxSessions: 64,
			LoopDepth:   256,
		},
		Stories: StoriesConfig{
			SQLitePath: "./data/stories.sqlite",
		},
		Publish: PublishConfig{
			OutputDir:     "./data/published",
			SQLitePath:    "./data/publish_jobs.sqlite",
			MaxConcurrent: 1,
			RetentionDays: 7,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = defaults.Storage.Region
	}
	if cfg.Storage.Credentials.Empty() {
		cfg.Storage.Credentials = fetch.CredentialsFromEnv()
	}
	if cfg.Cache.TileSizeMB == 0 {
		cfg.Cache.TileSizeMB = defaults.Cache.TileSizeMB
	}
	if cfg.Cache.TileTTLMinutes == 0 {
		cfg.Cache.TileTTLMinutes = defaults.Cache.TileTTLMinutes
	}
	if cfg.Cache.MaxTileKB == 0 {
		cfg.Cache.MaxTileKB = defaults.Cache.MaxTileKB
	}
	if cfg.Cache.CompositeEntries == 0 {
		cfg.Cache.CompositeEntries = defaults.Cache.CompositeEntries
	}
	if cfg.Viewer.TileSize == 0 {
		cfg.Viewer.TileSize = defaults.Viewer.TileSize
	}
	if cfg.Viewer.CompositeOperation == "" {
		cfg.Viewer.CompositeOperation = defaults.Viewer.CompositeOperation
	}
	if cfg.Render.ArrowLength == 0 {
		cfg.Render.ArrowLength = defaults.Render.ArrowLength
	}
	if cfg.Render.LineWidth == 0 {
		cfg.Render.LineWidth = defaults.Render.LineWidth
	}
	if cfg.Sessions.MaxSessions == 0 {
		cfg.Sessions.MaxSessions = defaults.Sessions.MaxSessions
	}
	if cfg.Sessions.LoopDepth == 0 {
		cfg.Sessions.LoopDepth = defaults.Sessions.LoopDepth
	}
	if cfg.Stories.SQLitePath == "" {
		cfg.Stories.SQLitePath = defaults.Stories.SQLitePath
	}
	if cfg.Publish.OutputDir == "" {
		cfg.Publish.OutputDir = defaults.Publish.OutputDir
	}
	if cfg.Publish.SQLitePath == "" {
		cfg.Publish.SQLitePath = defaults.Publish.SQLitePath
	}
	if cfg.Publish.MaxConcurrent == 0 {
		cfg.Publish.MaxConcurrent = defaults.Publish.MaxConcurrent
	}
	if cfg.Publish.RetentionDays == 0 {
		cfg.Publish.RetentionDays = defaults.Publish.RetentionDays
	}
}
