// Package artifact keeps unpacked engine builds in a local releases
// directory and fetches missing ones from a remote Source.
package artifact

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/thorctl/thorctl/pkg/platform"
	"github.com/thorctl/thorctl/pkg/stores"
	"github.com/thorctl/thorctl/pkg/telemetry"
)

// Index records builds once they are unpacked.
type Index interface {
	RecordBuild(ctx context.Context, build *stores.Build) error
}

// Option configures a Store.
type Option func(*Store)

// WithIndex records successful downloads in idx.
func WithIndex(idx Index) Option {
	return func(s *Store) { s.index = idx }
}

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger.With().Str("component", "artifact").Logger() }
}

// WithTelemetry records download metrics, spans and events.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Store) { s.tel = tel }
}

// WithRequireChecksum fails downloads whose archive has no SHA-256 sidecar.
func WithRequireChecksum(required bool) Option {
	return func(s *Store) { s.requireChecksum = required }
}

// Store is the local build cache. It satisfies build.Store.
type Store struct {
	root            string
	source          Source
	index           Index
	tel             *telemetry.Telemetry
	logger          zerolog.Logger
	requireChecksum bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a cache rooted at root that fetches from source.
func NewStore(root string, source Source, opts ...Option) *Store {
	s := &Store{
		root:   root,
		source: source,
		logger: zerolog.Nop(),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tel == nil {
		s.tel = telemetry.Nop()
	}
	return s
}

// Root returns the releases directory.
func (s *Store) Root() string {
	return s.root
}

// Source returns the remote the store fetches from.
func (s *Store) Source() Source {
	return s.source
}

// LocalPath returns the unpacked build directory.
func (s *Store) LocalPath(p *platform.Platform, commitID string) string {
	return filepath.Join(s.root, p.BuildName(commitID))
}

// ExecutablePath returns the engine binary inside the unpacked build.
func (s *Store) ExecutablePath(p *platform.Platform, commitID string) string {
	return p.ExecutablePath(s.LocalPath(p, commitID), commitID)
}

func (s *Store) installed(p *platform.Platform, commitID string) bool {
	_, err := os.Stat(s.ExecutablePath(p, commitID))
	return err == nil
}

// Exists reports whether the build is unpacked locally or present remotely.
func (s *Store) Exists(ctx context.Context, p *platform.Platform, commitID string) (bool, error) {
	if s.installed(p, commitID) {
		return true, nil
	}
	if s.source == nil {
		return false, nil
	}
	return s.source.Exists(ctx, ArchiveKey(p.BuildName(commitID)))
}

func (s *Store) keyLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// Download makes the build available locally. It is a no-op when the build
// is already unpacked and safe to call concurrently for the same build.
func (s *Store) Download(ctx context.Context, p *platform.Platform, commitID string) error {
	name := p.BuildName(commitID)

	lock := s.keyLock(name)
	lock.Lock()
	defer lock.Unlock()

	if s.installed(p, commitID) {
		return nil
	}
	if s.source == nil {
		return &DownloadError{Build: name, Err: fmt.Errorf("no releases source configured")}
	}

	ctx, span := s.tel.Tracer.StartDownloadSpan(ctx, p.Name, commitID)
	defer span.End()

	logger := s.logger.With().Str("build", name).Logger()
	logger.Info().Str("source", s.source.String()).Msg("downloading build")

	timer := telemetry.NewTimer()
	size, sum, err := s.download(ctx, p, commitID)
	if err != nil {
		telemetry.RecordError(span, err)
		s.tel.Metrics.RecordDownload(p.Name, "failure", timer.Duration(), size)
		s.tel.Metrics.RecordError("download")
		logger.Error().Err(err).Msg("download failed")
		return &DownloadError{Build: name, Err: err}
	}
	telemetry.RecordSuccess(span)
	s.tel.Metrics.RecordDownload(p.Name, "success", timer.Duration(), size)
	_ = s.tel.Events.PublishBuildDownloaded(name, timer.Duration())
	logger.Info().Int64("bytes", size).Dur("duration", timer.Duration()).Msg("build ready")

	if s.index != nil {
		err := s.index.RecordBuild(ctx, &stores.Build{
			Name:      name,
			Platform:  p.Name,
			CommitID:  commitID,
			Path:      s.LocalPath(p, commitID),
			Source:    s.source.String(),
			SHA256:    sum,
			SizeBytes: size,
		})
		if err != nil {
			// The build is usable even if the index is not.
			logger.Warn().Err(err).Msg("failed to record build in index")
		}
	}
	return nil
}

func (s *Store) download(ctx context.Context, p *platform.Platform, commitID string) (int64, string, error) {
	name := p.BuildName(commitID)
	key := ArchiveKey(name)

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return 0, "", err
	}

	tmpID := uuid.New().String()
	archive := filepath.Join(s.root, ".tmp-"+tmpID+".zip")
	staging := filepath.Join(s.root, ".tmp-"+tmpID)
	defer os.Remove(archive)
	defer os.RemoveAll(staging)

	f, err := os.Create(archive)
	if err != nil {
		return 0, "", err
	}
	hash := sha256.New()
	size, err := s.source.Fetch(ctx, key, io.MultiWriter(f, hash))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return size, "", err
	}
	sum := hex.EncodeToString(hash.Sum(nil))

	if err := s.verify(ctx, key, sum); err != nil {
		return size, sum, err
	}

	if err := extractZip(archive, staging); err != nil {
		return size, sum, err
	}

	exe := p.ExecutablePath(staging, commitID)
	if info, err := os.Stat(exe); err != nil {
		return size, sum, fmt.Errorf("archive does not contain %s", strings.TrimPrefix(exe, staging+string(filepath.Separator)))
	} else if info.Mode().Perm()&0o111 == 0 {
		if err := os.Chmod(exe, info.Mode().Perm()|0o755); err != nil {
			return size, sum, err
		}
	}

	dest := s.LocalPath(p, commitID)
	if err := os.Rename(staging, dest); err != nil {
		// Another process unpacked the same build first.
		if s.installed(p, commitID) {
			s.logger.Debug().Str("build", name).Msg("build installed concurrently")
			return size, sum, nil
		}
		if errors.Is(err, fs.ErrExist) || isDirNotEmpty(err) {
			// A stale, incomplete directory is in the way.
			if rmErr := os.RemoveAll(dest); rmErr != nil {
				return size, sum, rmErr
			}
			err = os.Rename(staging, dest)
		}
		if err != nil {
			return size, sum, err
		}
	}
	return size, sum, nil
}

// verify compares sum with the published checksum, if there is one.
func (s *Store) verify(ctx context.Context, key, sum string) error {
	sumKey := key + ChecksumSuffix
	ok, err := s.source.Exists(ctx, sumKey)
	if err != nil {
		return err
	}
	if !ok {
		if s.requireChecksum {
			return fmt.Errorf("%s: %w", sumKey, ErrArchiveNotFound)
		}
		return nil
	}

	var buf bytes.Buffer
	if _, err := s.source.Fetch(ctx, sumKey, &buf); err != nil {
		return err
	}
	want, err := parseChecksum(buf.Bytes())
	if err != nil {
		return err
	}
	if !strings.EqualFold(want, sum) {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, sum, want)
	}
	return nil
}

// parseChecksum accepts a bare hex digest or sha256sum output.
func parseChecksum(data []byte) (string, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	if sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) > 0 && len(fields[0]) == sha256.Size*2 {
			if _, err := hex.DecodeString(fields[0]); err == nil {
				return fields[0], nil
			}
		}
	}
	return "", fmt.Errorf("malformed checksum file")
}

func isDirNotEmpty(err error) bool {
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		msg := linkErr.Err.Error()
		return strings.Contains(msg, "directory not empty") || strings.Contains(msg, "file exists")
	}
	return false
}

// Close releases the source's connection, if it holds one.
func (s *Store) Close() error {
	if c, ok := s.source.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
