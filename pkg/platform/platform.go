// Package platform describes the prebuilt engine platforms, the host
// capabilities each one needs, and the order in which they are tried.
package platform

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
)

// Host operating system names as reported in resolution requests.
const (
	SystemLinux   = "Linux"
	SystemDarwin  = "Darwin"
	SystemWindows = "Windows"
)

// Platform names.
const (
	NameOSXIntel64     = "OSXIntel64"
	NameLinux64        = "Linux64"
	NameCloudRendering = "CloudRendering"
)

// Request carries the host facts a platform validator inspects.
type Request struct {
	System   string
	Arch     string
	Width    int
	Height   int
	XDisplay string
	Headless bool
}

// NewRequest returns a request for the running host.
func NewRequest(width, height int, xDisplay string) Request {
	return Request{
		System:   HostSystem(),
		Arch:     runtime.GOARCH,
		Width:    width,
		Height:   height,
		XDisplay: xDisplay,
	}
}

// HostSystem maps runtime.GOOS to the system names used by the registry.
func HostSystem() string {
	switch runtime.GOOS {
	case "linux":
		return SystemLinux
	case "darwin":
		return SystemDarwin
	case "windows":
		return SystemWindows
	default:
		return strings.ToUpper(runtime.GOOS[:1]) + runtime.GOOS[1:]
	}
}

// Validator reports the reasons a platform cannot run on a host.
// An empty result means the platform is usable.
type Validator interface {
	Validate(req Request) []string
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(req Request) []string

// Validate calls f(req).
func (f ValidatorFunc) Validate(req Request) []string {
	return f(req)
}

// Layout returns the executable path inside an unpacked build directory.
type Layout func(buildDir, buildName string) string

// FlatLayout places the executable at <buildDir>/<buildName>.
func FlatLayout(buildDir, buildName string) string {
	return filepath.Join(buildDir, buildName)
}

// AppBundleLayout places the executable inside a macOS application bundle.
func AppBundleLayout(buildDir, buildName string) string {
	return filepath.Join(buildDir, buildName+".app", "Contents", "MacOS", "AI2-THOR")
}

// Platform is one prebuilt target of the engine.
type Platform struct {
	Name    string
	Systems []string

	validator Validator
	layout    Layout
	enabled   atomic.Bool
}

// New creates a platform. A nil validator accepts every host and a nil
// layout defaults to FlatLayout.
func New(name string, systems []string, validator Validator, layout Layout, enabled bool) *Platform {
	if layout == nil {
		layout = FlatLayout
	}
	p := &Platform{
		Name:      name,
		Systems:   systems,
		validator: validator,
		layout:    layout,
	}
	p.enabled.Store(enabled)
	return p
}

// Enabled reports whether the platform may be selected.
func (p *Platform) Enabled() bool {
	return p.enabled.Load()
}

// SetEnabled toggles the platform. Prefer Registry.SetEnabled so the change
// is logged alongside the rest of the registry.
func (p *Platform) SetEnabled(enabled bool) {
	p.enabled.Store(enabled)
}

// Supports reports whether the platform runs on the given system.
func (p *Platform) Supports(system string) bool {
	for _, s := range p.Systems {
		if s == system {
			return true
		}
	}
	return false
}

// Validate returns the diagnostics for req. It is evaluated on every call.
func (p *Platform) Validate(req Request) []string {
	if p.validator == nil {
		return nil
	}
	return p.validator.Validate(req)
}

// WithValidator returns a copy of p that uses v. The enabled flag is copied.
func (p *Platform) WithValidator(v Validator) *Platform {
	return New(p.Name, p.Systems, v, p.layout, p.Enabled())
}

// BuildName is the archive and directory name of a build for this platform.
func (p *Platform) BuildName(commitID string) string {
	return fmt.Sprintf("thor-%s-%s", p.Name, commitID)
}

// ExecutablePath returns the engine binary inside buildDir.
func (p *Platform) ExecutablePath(buildDir, commitID string) string {
	return p.layout(buildDir, p.BuildName(commitID))
}

func (p *Platform) String() string {
	return p.Name
}

// Names returns the names of platforms in order.
func Names(platforms []*Platform) []string {
	names := make([]string, 0, len(platforms))
	for _, p := range platforms {
		names = append(names, p.Name)
	}
	return names
}
