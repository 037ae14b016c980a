package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/minerva-story/server/internal/channel"
	"github.com/minerva-story/server/internal/jobstore"
	"github.com/minerva-story/server/internal/story"
	"github.com/minerva-story/server/pkg/colormap"
)

// StoryLoader loads story documents.
type StoryLoader interface {
	Get(id string) (*story.Story, error)
}

// PublishServiceConfig contains publish service configuration.
type PublishServiceConfig struct {
	Sessions  *SessionService
	Stories   StoryLoader
	OutputDir string
	Logger    *slog.Logger
}

// PublishService renders every group of a story to a static tile pyramid.
type PublishService struct {
	sessions  *SessionService
	stories   StoryLoader
	outputDir string
	logger    *slog.Logger
}

// ProgressFunc receives publish progress.
type ProgressFunc func(phase string, done, total int)

// NewPublishService creates a publish service.
func NewPublishService(cfg PublishServiceConfig) *PublishService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := cfg.OutputDir
	if out == "" {
		out = "published"
	}
	return &PublishService{
		sessions:  cfg.Sessions,
		stories:   cfg.Stories,
		outputDir: out,
		logger:    logger.With("component", "publish"),
	}
}

// Result describes a finished publish.
type Result struct {
	OutputDir string
	Tiles     int
}

// Publish writes {out}/{group}/{level}_{x}_{y}.png for the selected groups
// and levels, plus exhibit.json holding the story document.
func (p *PublishService) Publish(ctx context.Context, params jobstore.PublishParams, dirName string, progress ProgressFunc) (Result, error) {
	if progress == nil {
		progress = func(string, int, int) {}
	}
	st, err := p.stories.Get(params.StoryUUID)
	if err != nil {
		return Result{}, err
	}

	groups := st.Groups
	if len(params.Groups) > 0 {
		groups = groups[:0:0]
		for _, name := range params.Groups {
			g, err := st.Group(name)
			if err != nil {
				return Result{}, err
			}
			groups = append(groups, g)
		}
	}

	sess, err := p.sessions.open(st.ImageUUID)
	if err != nil {
		return Result{}, err
	}
	defer sess.Close()
	img := sess.image

	minLevel, maxLevel := img.MinLevel, img.MaxLevel
	if params.MinLevel != nil {
		minLevel = max(minLevel, *params.MinLevel)
	}
	if params.MaxLevel != nil {
		maxLevel = min(maxLevel, *params.MaxLevel)
	}
	if minLevel > maxLevel {
		return Result{}, fmt.Errorf("empty level range %d..%d", minLevel, maxLevel)
	}

	perGroup := 0
	for level := minLevel; level <= maxLevel; level++ {
		cols, rows := img.TilesAt(level)
		perGroup += cols * rows
	}
	total := perGroup * len(groups)

	out := filepath.Join(p.outputDir, dirName)
	if err := os.MkdirAll(out, 0755); err != nil {
		return Result{}, fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := writeExhibit(out, st, img); err != nil {
		return Result{}, err
	}

	done := 0
	progress("render", done, total)
	for _, g := range groups {
		if _, err := sess.ShowGroup(ctx, st, g.Name); err != nil {
			return Result{}, err
		}
		groupDir := filepath.Join(out, GroupPath(g.Name))
		if err := os.MkdirAll(groupDir, 0755); err != nil {
			return Result{}, fmt.Errorf("failed to create group directory: %w", err)
		}

		for level := minLevel; level <= maxLevel; level++ {
			cols, rows := img.TilesAt(level)
			for y := 0; y < rows; y++ {
				for x := 0; x < cols; x++ {
					if err := ctx.Err(); err != nil {
						return Result{OutputDir: out, Tiles: done}, err
					}
					data, err := sess.RenderTile(ctx, TileRequest{Level: level, X: x, Y: y})
					if err != nil {
						return Result{OutputDir: out, Tiles: done}, err
					}
					name := fmt.Sprintf("%d_%d_%d.png", level, x, y)
					if err := os.WriteFile(filepath.Join(groupDir, name), data, 0644); err != nil {
						return Result{OutputDir: out, Tiles: done}, fmt.Errorf("failed to write tile: %w", err)
					}
					done++
					progress("render", done, total)
				}
			}
		}
		p.logger.Info("group published", "story", st.UUID, "group", g.Name, "dir", groupDir)
	}
	progress("done", done, total)
	return Result{OutputDir: out, Tiles: done}, nil
}

// ExecutePublishJob runs a queued publish job and records its progress.
func (p *PublishService) ExecutePublishJob(ctx context.Context, store *jobstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("publish job %s not found", jobID)
	}

	res, err := p.Publish(ctx, job.Params, jobID, func(phase string, done, total int) {
		// Progress rows are advisory; a failed write does not stop the job.
		if err := store.UpdateJobProgress(jobID, phase, done, total); err != nil {
			p.logger.Warn("progress update failed", "job", jobID, "err", err)
		}
	})
	if res.OutputDir != "" {
		if uerr := store.UpdateJobOutput(jobID, res.OutputDir, res.Tiles); uerr != nil {
			err = errors.Join(err, uerr)
		}
	}
	return err
}

// writeExhibit stores the story with the labels and palette colors the
// tiles were rendered with filled in.
func writeExhibit(dir string, st *story.Story, img channel.Image) error {
	for gi := range st.Groups {
		chans := st.Groups[gi].Channels
		for ci := range chans {
			if chans[ci].Label == "" {
				chans[ci].Label = img.Label(chans[ci].ID)
			}
			if chans[ci].Color == "" {
				chans[ci].Color = colormap.Hex(colormap.Channels.RGB(ci))
			}
		}
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal exhibit: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "exhibit.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write exhibit: %w", err)
	}
	return nil
}

// GroupPath turns a group name into a directory name. Accents are folded
// so "Kératine" and "Keratine" share a directory.
func GroupPath(name string) string {
	folded, _, err := transform.String(foldAccents(), strings.TrimSpace(name))
	if err != nil {
		folded = strings.TrimSpace(name)
	}
	var b strings.Builder
	dash := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		return "group"
	}
	return s
}

func foldAccents() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}
