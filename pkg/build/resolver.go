package build

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/thorctl/thorctl/pkg/platform"
)

// Query describes what the caller wants resolved.
type Query struct {
	Request platform.Request
	// Commits are tried in order.
	Commits []string
	// ExplicitCommit marks Commits as named by the user, which changes the
	// error returned when nothing exists.
	ExplicitCommit bool
	// Local selects a locally produced build without remote lookups.
	Local bool
	// Force skips validation and takes the first enabled candidate.
	Force bool
}

// Resolver runs the platform, locate and select stages.
type Resolver struct {
	registry *platform.Registry
	locator  *Locator
	store    Store
	logger   zerolog.Logger
}

// NewResolver creates a resolver.
func NewResolver(registry *platform.Registry, store Store, logger zerolog.Logger) *Resolver {
	return &Resolver{
		registry: registry,
		locator:  NewLocator(store, logger),
		store:    store,
		logger:   logger.With().Str("component", "build-resolver").Logger(),
	}
}

// Resolve selects the build to run for q.
func (r *Resolver) Resolve(ctx context.Context, q Query) (*Resolved, error) {
	platforms := r.registry.SelectPlatforms(q.Request)
	names := platform.Names(platforms)

	r.logger.Debug().
		Str("system", q.Request.System).
		Strs("platforms", names).
		Strs("commits", q.Commits).
		Bool("local", q.Local).
		Msg("Resolving build")

	candidates, lookupErrs := r.locator.FindPlatformBuilds(ctx, platforms, q.Request, q.Commits, q.Local)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		if q.ExplicitCommit && len(q.Commits) == 1 && len(lookupErrs) == 0 {
			return nil, &InvalidCommitError{
				CommitID:  q.Commits[0],
				System:    q.Request.System,
				Platforms: names,
			}
		}
		return nil, &NoBuildFoundError{
			System:    q.Request.System,
			Platforms: names,
			Commits:   q.Commits,
			Causes:    lookupErrs,
		}
	}

	resolved, err := Select(q.Request, candidates, q.Force)
	if err != nil {
		if _, ok := err.(*NoBuildFoundError); ok {
			return nil, &NoBuildFoundError{
				System:    q.Request.System,
				Platforms: names,
				Commits:   q.Commits,
				Causes:    lookupErrs,
			}
		}
		return nil, err
	}

	resolved.ExecutablePath = r.store.ExecutablePath(resolved.Platform, resolved.CommitID)

	r.logger.Info().
		Str("platform", resolved.Platform.Name).
		Str("commit", resolved.CommitID).
		Bool("forced", resolved.Forced).
		Msg("Build selected")

	return resolved, nil
}

// Select returns the first enabled candidate whose platform reports no
// diagnostics. Candidates after the winner are not validated. With force,
// validation is skipped entirely.
func Select(req platform.Request, candidates []Candidate, force bool) (*Resolved, error) {
	var failures []Failure

	for _, c := range candidates {
		if !c.Platform.Enabled() {
			continue
		}
		if force {
			return &Resolved{Platform: c.Platform, CommitID: c.CommitID, Forced: true}, nil
		}
		diags := c.Platform.Validate(req)
		if len(diags) == 0 {
			return &Resolved{Platform: c.Platform, CommitID: c.CommitID}, nil
		}
		failures = append(failures, Failure{
			Platform:    c.Platform.Name,
			CommitID:    c.CommitID,
			Diagnostics: diags,
		})
	}

	if len(failures) == 0 {
		return nil, &NoBuildFoundError{System: req.System}
	}
	return nil, &AllBuildsInvalidError{Failures: failures}
}
