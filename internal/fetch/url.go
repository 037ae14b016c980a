package fetch

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrBadTileURL is returned when a URL cannot be mapped to bucket and key.
var ErrBadTileURL = errors.New("cannot split tile url into bucket and key")

const s3Domain = ".s3.amazonaws.com/"

var regionalDomain = regexp.MustCompile(`^([^/]+)\.s3[.-][a-z0-9-]+\.amazonaws\.com/(.+)$`)

// SplitURL maps a tile URL to an object storage bucket and key. Virtual-hosted
// S3 URLs are split at the storage domain; anything else is read as
// "bucket/key..." after the scheme.
func SplitURL(rawURL string) (bucket, key string, err error) {
	rest := rawURL
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}

	if i := strings.Index(rest, s3Domain); i > 0 {
		bucket, key = rest[:i], rest[i+len(s3Domain):]
	} else if m := regionalDomain.FindStringSubmatch(rest); m != nil {
		bucket, key = m[1], m[2]
	} else if i := strings.IndexByte(rest, '/'); i > 0 {
		bucket, key = rest[:i], rest[i+1:]
	}

	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadTileURL, rawURL)
	}
	return bucket, key, nil
}

// KeyToURL turns a storage key of the form "s3://bucket/path/to/pyramid"
// into the virtual-hosted tile base URL. Keys that are already URLs are
// returned unchanged.
func KeyToURL(key string) (string, error) {
	const scheme = "s3://"
	if !strings.HasPrefix(key, scheme) {
		if strings.Contains(key, "://") {
			return key, nil
		}
		return "", fmt.Errorf("%w: %q", ErrBadTileURL, key)
	}
	parts := strings.SplitN(strings.TrimPrefix(key, scheme), "/", 2)
	if parts[0] == "" {
		return "", fmt.Errorf("%w: %q", ErrBadTileURL, key)
	}
	path := ""
	if len(parts) == 2 {
		path = strings.TrimSuffix(parts[1], "/")
	}
	return "https://" + parts[0] + s3Domain + path, nil
}
