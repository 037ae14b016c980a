package service

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/minerva-story/server/internal/jobstore"
	"github.com/minerva-story/server/internal/story"
	"github.com/minerva-story/server/pkg/colormap"
)

type memStories map[string]*story.Story

func (m memStories) Get(id string) (*story.Story, error) {
	st, ok := m[id]
	if !ok {
		return nil, story.ErrNotFound
	}
	return st, nil
}

func publishStory() *story.Story {
	return &story.Story{
		UUID:      "st-1",
		Name:      "Demo",
		ImageUUID: "img-a",
		Groups: []story.Group{
			{Name: "DNA / Nuclei", Channels: []story.GroupChannel{{ID: 0, Color: "#0000ff", Max: 1}}},
			{Name: "Immune", Channels: []story.GroupChannel{{ID: 1, Color: "#00ff00", Max: 1}, {ID: 2, Max: 1}}},
		},
	}
}

func TestPublishWritesPyramid(t *testing.T) {
	svc := newTestService(t, newTileFetch(t), 4)
	out := t.TempDir()
	pub := NewPublishService(PublishServiceConfig{
		Sessions:  svc,
		Stories:   memStories{"st-1": publishStory()},
		OutputDir: out,
	})

	var last [2]int
	res, err := pub.Publish(context.Background(), jobstore.PublishParams{StoryUUID: "st-1"}, "job1", func(_ string, done, total int) {
		last = [2]int{done, total}
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// img-a: level 0 is 1x1, level 1 is 2x1; two groups.
	if res.Tiles != 6 || last != [2]int{6, 6} {
		t.Fatalf("tiles = %d progress = %v", res.Tiles, last)
	}
	for _, p := range []string{
		"exhibit.json",
		"dna-nuclei/0_0_0.png",
		"dna-nuclei/1_1_0.png",
		"immune/1_0_0.png",
	} {
		if _, err := os.Stat(filepath.Join(out, "job1", p)); err != nil {
			t.Fatalf("missing %s: %v", p, err)
		}
	}

	raw, err := os.ReadFile(filepath.Join(out, "job1", "exhibit.json"))
	if err != nil {
		t.Fatalf("read exhibit: %v", err)
	}
	var st story.Story
	if err := json.Unmarshal(raw, &st); err != nil || st.UUID != "st-1" {
		t.Fatalf("exhibit = %+v, %v", st, err)
	}
	if got := st.Groups[1].Channels[0].Label; got != "CD45" {
		t.Fatalf("exhibit label = %q, want image label CD45", got)
	}
	if got := st.Groups[1].Channels[1].Label; got != "" {
		t.Fatalf("unknown channel label = %q", got)
	}
	if got, want := st.Groups[1].Channels[1].Color, colormap.Hex(colormap.Channels.RGB(1)); got != want {
		t.Fatalf("palette color = %q, want %q", got, want)
	}
	if svc.Len() != 0 {
		t.Fatalf("publish left %d tracked sessions", svc.Len())
	}
}

func TestPublishSelectsGroupsAndLevels(t *testing.T) {
	svc := newTestService(t, newTileFetch(t), 4)
	pub := NewPublishService(PublishServiceConfig{
		Sessions:  svc,
		Stories:   memStories{"st-1": publishStory()},
		OutputDir: t.TempDir(),
	})

	one := 1
	res, err := pub.Publish(context.Background(), jobstore.PublishParams{
		StoryUUID: "st-1",
		Groups:    []string{"Immune"},
		MinLevel:  &one,
	}, "job2", nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.Tiles != 2 {
		t.Fatalf("tiles = %d, want 2", res.Tiles)
	}

	if _, err := pub.Publish(context.Background(), jobstore.PublishParams{StoryUUID: "st-1", Groups: []string{"nope"}}, "job3", nil); !errors.Is(err, story.ErrGroupNotFound) {
		t.Fatalf("unknown group err = %v", err)
	}
	if _, err := pub.Publish(context.Background(), jobstore.PublishParams{StoryUUID: "missing"}, "job4", nil); !errors.Is(err, story.ErrNotFound) {
		t.Fatalf("unknown story err = %v", err)
	}
}

func TestPublishCancelled(t *testing.T) {
	svc := newTestService(t, newTileFetch(t), 4)
	pub := NewPublishService(PublishServiceConfig{
		Sessions:  svc,
		Stories:   memStories{"st-1": publishStory()},
		OutputDir: t.TempDir(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pub.Publish(ctx, jobstore.PublishParams{StoryUUID: "st-1"}, "job5", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestExecutePublishJob(t *testing.T) {
	svc := newTestService(t, newTileFetch(t), 4)
	pub := NewPublishService(PublishServiceConfig{
		Sessions:  svc,
		Stories:   memStories{"st-1": publishStory()},
		OutputDir: t.TempDir(),
	})
	store, err := jobstore.NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("jobstore: %v", err)
	}
	defer store.Close()

	job := &jobstore.PublishJob{
		ID:        "j1",
		StoryUUID: "st-1",
		Status:    jobstore.JobStatusQueued,
		Params:    jobstore.PublishParams{StoryUUID: "st-1"},
		CreatedAt: time.Now(),
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := pub.ExecutePublishJob(context.Background(), store, "j1"); err != nil {
		t.Fatalf("ExecutePublishJob: %v", err)
	}
	got, _ := store.GetJob("j1")
	if got.Tiles != 6 || got.Progress.Phase != "done" || got.OutputDir == "" {
		t.Fatalf("job = %+v", got)
	}

	if err := pub.ExecutePublishJob(context.Background(), store, "missing"); err == nil {
		t.Fatalf("expected error for missing job")
	}
}

func TestGroupPath(t *testing.T) {
	cases := map[string]string{
		"DNA / Nuclei": "dna-nuclei",
		"  CD45+ ":     "cd45",
		"***":          "group",
		"Ki-67":        "ki-67",
		"Kératine 14":  "keratine-14",
	}
	for in, want := range cases {
		if got := GroupPath(in); got != want {
			t.Errorf("GroupPath(%q) = %q, want %q", in, got, want)
		}
	}
}
