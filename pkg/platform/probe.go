package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HostProbe answers the capability questions validators ask of the host.
type HostProbe interface {
	Getenv(key string) string
	DisplayAvailable(display string) bool
	LibraryPresent(name string) bool
}

// SystemProbe inspects the real host.
type SystemProbe struct {
	// SocketDir is the X11 socket directory. Defaults to /tmp/.X11-unix.
	SocketDir string
	// LibraryDirs are searched by LibraryPresent. Defaults to the common
	// Debian, Fedora and Arch library directories plus LD_LIBRARY_PATH.
	LibraryDirs []string
}

var defaultLibraryDirs = []string{
	"/lib",
	"/lib64",
	"/usr/lib",
	"/usr/lib64",
	"/usr/lib/x86_64-linux-gnu",
	"/usr/lib/aarch64-linux-gnu",
	"/lib/x86_64-linux-gnu",
	"/usr/local/lib",
}

// Getenv returns the environment variable.
func (p SystemProbe) Getenv(key string) string {
	return os.Getenv(key)
}

// DisplayAvailable reports whether the X server socket for display exists.
// Displays on a remote host (host:N) are assumed reachable.
func (p SystemProbe) DisplayAvailable(display string) bool {
	host, number, ok := parseDisplay(display)
	if !ok {
		return false
	}
	if host != "" && host != "localhost" && host != "unix" {
		return true
	}
	dir := p.SocketDir
	if dir == "" {
		dir = "/tmp/.X11-unix"
	}
	_, err := os.Stat(filepath.Join(dir, "X"+number))
	return err == nil
}

// LibraryPresent reports whether a shared library with the given file name
// can be found.
func (p SystemProbe) LibraryPresent(name string) bool {
	dirs := p.LibraryDirs
	if len(dirs) == 0 {
		dirs = append([]string{}, defaultLibraryDirs...)
		if ld := os.Getenv("LD_LIBRARY_PATH"); ld != "" {
			dirs = append(dirs, filepath.SplitList(ld)...)
		}
	}
	for _, dir := range dirs {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// parseDisplay splits an X display string such as ":0", "0.0" or
// "host:10.0" into host and display number.
func parseDisplay(display string) (host, number string, ok bool) {
	display = strings.TrimSpace(display)
	if display == "" {
		return "", "", false
	}
	rest := display
	if i := strings.LastIndex(display, ":"); i >= 0 {
		host, rest = display[:i], display[i+1:]
	}
	if j := strings.Index(rest, "."); j >= 0 {
		rest = rest[:j]
	}
	if rest == "" {
		return "", "", false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return "", "", false
		}
	}
	return host, rest, true
}

// Diagnostic messages produced by the built-in validators.
const (
	DiagnosticNoDisplay     = "No display found. Linux64 requires an X server; set DISPLAY or provide an x_display."
	DiagnosticMissingVulkan = "Missing libvulkan1. Install the Vulkan loader (e.g. apt-get install libvulkan1)."
)

// DisplayValidator checks that an X display is configured and reachable.
func DisplayValidator(probe HostProbe) Validator {
	return ValidatorFunc(func(req Request) []string {
		display := req.XDisplay
		if display == "" {
			display = probe.Getenv("DISPLAY")
		}
		if display == "" {
			return []string{DiagnosticNoDisplay}
		}
		if !probe.DisplayAvailable(display) {
			return []string{fmt.Sprintf("Invalid display: %s. Verify the X server is running and accessible.", display)}
		}
		return nil
	})
}

// VulkanValidator checks that the Vulkan loader is installed.
func VulkanValidator(probe HostProbe) Validator {
	return ValidatorFunc(func(req Request) []string {
		if !probe.LibraryPresent("libvulkan.so.1") {
			return []string{DiagnosticMissingVulkan}
		}
		return nil
	})
}
