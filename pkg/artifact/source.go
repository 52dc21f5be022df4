package artifact

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/rs/zerolog"
)

// ChecksumSuffix is appended to an archive key to find its SHA-256 sidecar.
const ChecksumSuffix = ".sha256"

// Source is a location build archives can be fetched from.
type Source interface {
	// Exists reports whether key is present. Transport failures are
	// returned as *NetworkError.
	Exists(ctx context.Context, key string) (bool, error)

	// Fetch streams key into w and returns the number of bytes written.
	// A missing key yields an error wrapping ErrArchiveNotFound.
	Fetch(ctx context.Context, key string, w io.Writer) (int64, error)

	// String describes the source for logs and the build index.
	String() string
}

// ArchiveKey returns the source-relative key of a build archive.
func ArchiveKey(buildName string) string {
	return path.Join("builds", buildName+".zip")
}

// NewSource picks a Source implementation from a location:
// http(s)://, s3://bucket/prefix, sftp://user@host/dir, or a local directory.
func NewSource(location string, logger zerolog.Logger) (Source, error) {
	if location == "" {
		return nil, fmt.Errorf("empty releases location")
	}

	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain paths, including Windows drive letters.
		return NewDirSource(location), nil
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return NewHTTPSource(u, nil), nil
	case "s3":
		return NewS3Source(u.Host, strings.TrimPrefix(u.Path, "/"), "", nil), nil
	case "sftp", "ssh":
		return NewSFTPSource(u, logger)
	case "file":
		return NewDirSource(u.Path), nil
	default:
		return nil, fmt.Errorf("unsupported releases location scheme %q", u.Scheme)
	}
}
