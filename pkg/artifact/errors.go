package artifact

import (
	"errors"
	"fmt"
)

// ErrArchiveNotFound is returned by Source.Fetch for a key the source does
// not hold.
var ErrArchiveNotFound = errors.New("archive not found")

// ErrChecksumMismatch is wrapped by DownloadError when an archive does not
// match its published SHA-256.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// NetworkError is a transport failure talking to a remote source.
type NetworkError struct {
	Op       string
	Location string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Location, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// DownloadError reports a failed Store.Download.
type DownloadError struct {
	Build string
	Err   error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.Build, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}
