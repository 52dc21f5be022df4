// Package build locates prebuilt engine builds and selects the one a host
// can run.
package build

import (
	"context"

	"github.com/thorctl/thorctl/pkg/platform"
)

// LocalCommitID names a build produced on this machine rather than fetched.
const LocalCommitID = "local"

// Candidate is a platform/commit pair whose archive exists.
type Candidate struct {
	Platform *platform.Platform
	CommitID string
}

// Name returns the build name, e.g. thor-Linux64-<commit>.
func (c Candidate) Name() string {
	return c.Platform.BuildName(c.CommitID)
}

// Resolved is the build selected for a session. It is never modified after
// creation.
type Resolved struct {
	Platform *platform.Platform
	CommitID string
	// ExecutablePath is where the engine binary lives once downloaded.
	ExecutablePath string
	// Forced is set when validation was skipped at the caller's request.
	Forced bool
}

// Name returns the build name.
func (r *Resolved) Name() string {
	return r.Platform.BuildName(r.CommitID)
}

// Store answers existence queries for builds and materializes them locally.
type Store interface {
	Exists(ctx context.Context, p *platform.Platform, commitID string) (bool, error)
	Download(ctx context.Context, p *platform.Platform, commitID string) error
	ExecutablePath(p *platform.Platform, commitID string) string
}
