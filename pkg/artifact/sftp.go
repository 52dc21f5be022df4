package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"sync"

	"github.com/rs/zerolog"

	"github.com/thorctl/thorctl/pkg/transports/ssh"
)

// SFTPSource fetches archives from a release host over SFTP.
type SFTPSource struct {
	dir      string
	location string

	mu        sync.Mutex
	fs        ssh.RemoteFS
	connected bool
}

// NewSFTPSource creates a source for sftp://user@host[:port]/dir. The
// connection is opened on first use.
func NewSFTPSource(u *url.URL, logger zerolog.Logger) (*SFTPSource, error) {
	cfg, err := ssh.ConfigFromURL(u)
	if err != nil {
		return nil, err
	}
	client, err := ssh.NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	redacted := *u
	redacted.User = url.User(cfg.User)
	return NewSFTPSourceWithFS(client, u.Path, redacted.String()), nil
}

// NewSFTPSourceWithFS wraps an existing RemoteFS rooted at dir.
func NewSFTPSourceWithFS(fs ssh.RemoteFS, dir, location string) *SFTPSource {
	return &SFTPSource{fs: fs, dir: dir, location: location}
}

func (s *SFTPSource) remote(ctx context.Context) (ssh.RemoteFS, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		if err := s.fs.Connect(ctx); err != nil {
			return nil, err
		}
		s.connected = true
	}
	return s.fs, nil
}

func (s *SFTPSource) remotePath(key string) string {
	return path.Join(s.dir, key)
}

// Exists stats key on the remote host.
func (s *SFTPSource) Exists(ctx context.Context, key string) (bool, error) {
	fs, err := s.remote(ctx)
	if err != nil {
		return false, &NetworkError{Op: "connect", Location: s.location, Err: err}
	}

	info, err := fs.Stat(ctx, s.remotePath(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &NetworkError{Op: "stat", Location: s.location, Err: err}
	}
	return info.Mode().IsRegular(), nil
}

// Fetch copies key from the remote host into w.
func (s *SFTPSource) Fetch(ctx context.Context, key string, w io.Writer) (int64, error) {
	fs, err := s.remote(ctx)
	if err != nil {
		return 0, &NetworkError{Op: "connect", Location: s.location, Err: err}
	}

	n, err := fs.Fetch(ctx, s.remotePath(key), w)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%s: %w", key, ErrArchiveNotFound)
	}
	if err != nil {
		return n, &NetworkError{Op: "fetch", Location: s.location, Err: err}
	}
	return n, nil
}

// Close releases the SSH connection.
func (s *SFTPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}
	s.connected = false
	return s.fs.Close()
}

func (s *SFTPSource) String() string {
	return s.location
}
