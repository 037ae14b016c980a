package tilesource

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrBadTileName is returned by ParseTileName for names outside the storage layout.
var ErrBadTileName = errors.New("malformed tile name")

var tileNamePattern = regexp.MustCompile(`^C(\d+)-T0-Z0-L(\d+)-Y(\d+)-X(\d+)\.png$`)

// TileName formats the stored file name of one channel tile. level is the
// stored pyramid level, not the display level.
func TileName(channelID, level, x, y int) string {
	return "C" + strconv.Itoa(channelID) +
		"-T0-Z0-L" + strconv.Itoa(level) +
		"-Y" + strconv.Itoa(y) +
		"-X" + strconv.Itoa(x) + ".png"
}

// ParseTileName decodes a name produced by TileName.
func ParseTileName(name string) (channelID, level, x, y int, err error) {
	m := tileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, 0, 0, fmt.Errorf("%w: %q", ErrBadTileName, name)
	}
	// The pattern only admits digit runs; Atoi fails only on overflow.
	vals := make([]int, 4)
	for i := range vals {
		if vals[i], err = strconv.Atoi(m[i+1]); err != nil {
			return 0, 0, 0, 0, fmt.Errorf("%w: %q", ErrBadTileName, name)
		}
	}
	return vals[0], vals[1], vals[3], vals[2], nil
}
