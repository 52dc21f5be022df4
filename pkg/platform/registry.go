package platform

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// SelectFunc narrows or reorders the candidate platforms for a request.
// It replaces the default per-system priority order when installed.
type SelectFunc func(req Request, candidates []*Platform) []*Platform

// Registry holds the known platforms in priority order.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// platforms in priority order.
	platforms []*Platform

	// byName indexes platforms by name.
	byName map[string]*Platform

	// selector overrides the default ordering when set.
	selector SelectFunc

	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		byName: make(map[string]*Platform),
		logger: logger.With().Str("component", "platform-registry").Logger(),
	}
}

// DefaultRegistry returns the built-in catalog: OSXIntel64 for Darwin,
// then Linux64 and CloudRendering for Linux.
func DefaultRegistry(probe HostProbe, logger zerolog.Logger) *Registry {
	if probe == nil {
		probe = SystemProbe{}
	}
	r := NewRegistry(logger)
	_ = r.Register(New(NameOSXIntel64, []string{SystemDarwin}, nil, AppBundleLayout, true))
	_ = r.Register(New(NameLinux64, []string{SystemLinux}, DisplayValidator(probe), FlatLayout, true))
	_ = r.Register(New(NameCloudRendering, []string{SystemLinux}, VulkanValidator(probe), FlatLayout, true))
	return r
}

// Register appends a platform at the lowest priority.
func (r *Registry) Register(p *Platform) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p == nil || p.Name == "" {
		return fmt.Errorf("platform name is required")
	}
	if _, exists := r.byName[p.Name]; exists {
		return fmt.Errorf("platform %s already registered", p.Name)
	}

	r.platforms = append(r.platforms, p)
	r.byName[p.Name] = p
	return nil
}

// Replace swaps the registered platform with the same name, keeping its
// position in the priority order.
func (r *Registry) Replace(p *Platform) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name]; !exists {
		return fmt.Errorf("platform %s not registered", p.Name)
	}
	for i, existing := range r.platforms {
		if existing.Name == p.Name {
			r.platforms[i] = p
		}
	}
	r.byName[p.Name] = p
	return nil
}

// Get returns a platform by name.
func (r *Registry) Get(name string) (*Platform, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown platform: %s", name)
	}
	return p, nil
}

// All returns every registered platform in priority order.
func (r *Registry) All() []*Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Platform, len(r.platforms))
	copy(out, r.platforms)
	return out
}

// PlatformsFor returns the platforms for a host system in priority order,
// including disabled ones.
func (r *Registry) PlatformsFor(system string) []*Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Platform
	for _, p := range r.platforms {
		if p.Supports(system) {
			out = append(out, p)
		}
	}
	return out
}

// SetSelector installs an override for SelectPlatforms. Passing nil
// restores the default order.
func (r *Registry) SetSelector(fn SelectFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selector = fn
}

// SelectPlatforms returns the candidate platforms for req.
func (r *Registry) SelectPlatforms(req Request) []*Platform {
	candidates := r.PlatformsFor(req.System)

	r.mu.RLock()
	selector := r.selector
	r.mu.RUnlock()

	if selector != nil {
		return selector(req, candidates)
	}
	return candidates
}

// SetEnabled toggles a platform by name.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	p, err := r.Get(name)
	if err != nil {
		return err
	}
	if p.Enabled() != enabled {
		r.logger.Debug().
			Str("platform", name).
			Bool("enabled", enabled).
			Msg("Platform toggled")
	}
	p.SetEnabled(enabled)
	return nil
}

// OrderSelector returns a SelectFunc that keeps only the named platforms,
// in the given order. Names without a registered platform are ignored.
// The platforms need not match the request's system.
func (r *Registry) OrderSelector(names []string) SelectFunc {
	return func(req Request, _ []*Platform) []*Platform {
		var out []*Platform
		for _, name := range names {
			if p, err := r.Get(name); err == nil {
				out = append(out, p)
			}
		}
		return out
	}
}
