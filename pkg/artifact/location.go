package artifact

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Location is a parsed artifact URI.
type Location struct {
	Kind Kind

	// Bucket is set for s3 locations.
	Bucket string

	// Key is the object key for s3, or the absolute path for file.
	Key string
}

func (l Location) String() string {
	if l.Kind == KindS3 {
		return "s3://" + l.Bucket + "/" + l.Key
	}
	return "file://" + l.Key
}

// ParseLocation parses file:///path, a bare path or s3://bucket/key.
// Relative bare paths are made absolute.
func ParseLocation(uri string) (Location, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return Location{}, fmt.Errorf("artifact location is required")
	}

	if !strings.Contains(uri, "://") {
		abs, err := filepath.Abs(uri)
		if err != nil {
			return Location{}, fmt.Errorf("resolve %s: %w", uri, err)
		}
		return Location{Kind: KindFile, Key: abs}, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return Location{}, fmt.Errorf("invalid artifact location %q: %w", uri, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		if u.Host != "" && u.Host != "localhost" {
			return Location{}, fmt.Errorf("invalid artifact location %q: file URIs must be absolute", uri)
		}
		if u.Path == "" {
			return Location{}, fmt.Errorf("invalid artifact location %q: path is required", uri)
		}
		return Location{Kind: KindFile, Key: filepath.Clean(filepath.FromSlash(u.Path))}, nil

	case "s3":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" || strings.HasSuffix(key, "/") {
			return Location{}, fmt.Errorf("invalid artifact location %q: expected s3://bucket/key", uri)
		}
		return Location{Kind: KindS3, Bucket: u.Host, Key: key}, nil
	}

	return Location{}, fmt.Errorf("%w: %q", ErrUnsupportedLocation, u.Scheme)
}
