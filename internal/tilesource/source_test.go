package tilesource

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/minerva-story/server/internal/channel"
)

func testImage() channel.Image {
	return channel.Image{
		UUID:       "uuid4",
		URL:        "https://minerva-test-images.s3.amazonaws.com/png_tiles",
		FullWidth:  7220,
		FullHeight: 4080,
		TileSize:   1024,
		MinLevel:   0,
		MaxLevel:   3,
	}
}

func TestTileNameRoundTrip(t *testing.T) {
	t.Parallel()

	img := testImage()
	f := NewFactory(nil)
	for c := 0; c < 3; c++ {
		d, ok := f.Make(c, channel.NewSet(channel.Channel{ID: c, Range: channel.Range{Min: 0, Max: 1}}), img)
		if !ok {
			t.Fatalf("expected descriptor for channel %d", c)
		}
		for displayLevel := img.MinLevel; displayLevel <= img.MaxLevel; displayLevel++ {
			for _, xy := range [][2]int{{0, 0}, {3, 1}, {7, 3}} {
				url := d.TileURL(displayLevel, xy[0], xy[1])
				name := url[strings.LastIndex(url, "/")+1:]

				gotC, gotL, gotX, gotY, err := ParseTileName(name)
				if err != nil {
					t.Fatalf("parse %q: %v", name, err)
				}
				if gotC != c || gotL != img.MaxLevel-displayLevel || gotX != xy[0] || gotY != xy[1] {
					t.Fatalf("%q decoded to c=%d l=%d x=%d y=%d", name, gotC, gotL, gotX, gotY)
				}
			}
		}
	}
}

func TestTileURLFormat(t *testing.T) {
	t.Parallel()

	d, _ := NewFactory(nil).Make(2, channel.NewSet(channel.Channel{ID: 2, Range: channel.Range{Min: 0, Max: 1}}), testImage())
	got := d.TileURL(1, 5, 4)
	want := "https://minerva-test-images.s3.amazonaws.com/png_tiles/C2-T0-Z0-L2-Y4-X5.png"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParseTileNameRejects(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "C1-T0-Z0-L0-Y0-X0.jpg", "C-T0-Z0-L0-Y0-X0.png", "C1-T1-Z0-L0-Y0-X0.png"} {
		if _, _, _, _, err := ParseTileName(name); !errors.Is(err, ErrBadTileName) {
			t.Errorf("%q: expected ErrBadTileName, got %v", name, err)
		}
	}
}

func TestMakeMissingChannel(t *testing.T) {
	t.Parallel()

	f := NewFactory(nil)
	channels := channel.NewSet(channel.Channel{ID: 0, Range: channel.Range{Min: 0, Max: 1}})
	d, ok := f.Make(9, channels, testImage())
	if ok || d != nil {
		t.Fatalf("expected no descriptor for missing channel, got %+v", d)
	}

	all := f.MakeAll([]int{0, 9}, channels, testImage())
	if len(all) != 1 || all[0].ChannelID != 0 {
		t.Fatalf("expected only channel 0, got %d descriptors", len(all))
	}
}

func TestMakeCopiesGeometryAndParams(t *testing.T) {
	t.Parallel()

	called := false
	fetch := func(context.Context, string) ([]byte, bool) {
		called = true
		return nil, false
	}
	ch := channel.Channel{ID: 1, Color: [3]int{255, 128, 0}, Range: channel.Range{Min: 0.25, Max: 0.75}, Visible: true}
	d, ok := NewFactory(fetch).Make(1, channel.NewSet(ch), testImage())
	if !ok {
		t.Fatal("expected descriptor")
	}

	if d.Geometry != (Geometry{Width: 7220, Height: 4080, TileSize: 1024, MinLevel: 0, MaxLevel: 3}) {
		t.Fatalf("unexpected geometry: %+v", d.Geometry)
	}
	if math.Abs(float64(d.Color[1])-0.502) > 0.001 || d.Color[0] != 1 || d.Color[2] != 0 {
		t.Fatalf("unexpected color: %v", d.Color)
	}
	if d.Range != [2]float32{0.25, 0.75} {
		t.Fatalf("unexpected range: %v", d.Range)
	}

	d.Fetch(context.Background(), d.TileURL(0, 0, 0))
	if !called {
		t.Fatal("expected descriptor fetch to be the factory's fetch function")
	}

	ch.Color = [3]int{0, 0, 255}
	d.SetParams(ch)
	if d.Color != [3]float32{0, 0, 1} {
		t.Fatalf("expected patched color, got %v", d.Color)
	}
}
