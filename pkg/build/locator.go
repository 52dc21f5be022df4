package build

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/thorctl/thorctl/pkg/platform"
)

// DefaultParallelism is the number of concurrent existence lookups.
const DefaultParallelism = 4

// Locator finds the platform/commit pairs that have a build.
type Locator struct {
	store       Store
	parallelism int
	logger      zerolog.Logger
}

// NewLocator creates a locator backed by store.
func NewLocator(store Store, logger zerolog.Logger) *Locator {
	return &Locator{
		store:       store,
		parallelism: DefaultParallelism,
		logger:      logger.With().Str("component", "build-locator").Logger(),
	}
}

// SetParallelism bounds concurrent lookups. Values below 1 mean 1.
func (l *Locator) SetParallelism(n int) {
	if n < 1 {
		n = 1
	}
	l.parallelism = n
}

// FindPlatformBuilds returns the existing builds for every enabled platform
// and commit, platforms in priority order and commits in the given order.
// With local set, no lookup is made and a single local build is returned
// for the first enabled platform. Lookup failures are treated as absent
// builds and returned alongside the candidates. Lookups run concurrently;
// the result order does not depend on completion order.
func (l *Locator) FindPlatformBuilds(ctx context.Context, platforms []*platform.Platform, req platform.Request, commits []string, local bool) ([]Candidate, []error) {
	if local {
		for _, p := range platforms {
			if p.Enabled() {
				return []Candidate{{Platform: p, CommitID: LocalCommitID}}, nil
			}
		}
		return nil, nil
	}

	type lookup struct {
		platform *platform.Platform
		commit   string
		exists   bool
		err      error
	}
	var lookups []*lookup
	for _, p := range platforms {
		if !p.Enabled() {
			l.logger.Debug().Str("platform", p.Name).Msg("Skipping disabled platform")
			continue
		}
		for _, commit := range commits {
			lookups = append(lookups, &lookup{platform: p, commit: commit})
		}
	}

	workers := l.parallelism
	if len(lookups) < workers {
		workers = len(lookups)
	}

	// Each worker writes only to the lookups it takes off the queue, so the
	// slice keeps priority order without further locking.
	queue := make(chan *lookup, len(lookups))
	for _, lk := range lookups {
		queue <- lk
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for lk := range queue {
				if err := ctx.Err(); err != nil {
					lk.err = err
					continue
				}
				lk.exists, lk.err = l.store.Exists(ctx, lk.platform, lk.commit)
			}
		}()
	}
	wg.Wait()

	var candidates []Candidate
	var lookupErrs []error
	for _, lk := range lookups {
		if lk.err != nil {
			l.logger.Warn().
				Err(lk.err).
				Str("platform", lk.platform.Name).
				Str("commit", lk.commit).
				Msg("Build lookup failed")
			lookupErrs = append(lookupErrs, fmt.Errorf("%s: %w", lk.platform.BuildName(lk.commit), lk.err))
			continue
		}
		if lk.exists {
			candidates = append(candidates, Candidate{Platform: lk.platform, CommitID: lk.commit})
		}
	}

	return candidates, lookupErrs
}
