package build

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSelection matches every build resolution failure.
var ErrSelection = errors.New("build selection failed")

// NoBuildFoundError is returned when no platform/commit pair has a build.
type NoBuildFoundError struct {
	System    string
	Platforms []string
	Commits   []string
	// Causes are lookup errors that were treated as absent builds.
	Causes []error
}

func (e *NoBuildFoundError) Error() string {
	msg := fmt.Sprintf("No build exists for arch=%s platforms=%s and commits: %s",
		e.System, strings.Join(e.Platforms, ","), strings.Join(e.Commits, ", "))
	if len(e.Causes) > 0 {
		msg += fmt.Sprintf(" (%d lookups failed: %v)", len(e.Causes), errors.Join(e.Causes...))
	}
	return msg
}

// Is matches ErrSelection.
func (e *NoBuildFoundError) Is(target error) bool {
	return target == ErrSelection
}

// Unwrap exposes the lookup failures.
func (e *NoBuildFoundError) Unwrap() []error {
	return e.Causes
}

// InvalidCommitError is returned when a commit named by the caller has no
// build for any candidate platform.
type InvalidCommitError struct {
	CommitID  string
	System    string
	Platforms []string
}

func (e *InvalidCommitError) Error() string {
	return fmt.Sprintf("Invalid commit_id: %s - no build exists for arch=%s platforms=%s",
		e.CommitID, e.System, strings.Join(e.Platforms, ","))
}

// Is matches ErrSelection.
func (e *InvalidCommitError) Is(target error) bool {
	return target == ErrSelection
}

// Failure is one candidate rejected by its platform validator.
type Failure struct {
	Platform    string
	CommitID    string
	Diagnostics []string
}

// AllBuildsInvalidError is returned when builds exist but every enabled
// candidate failed validation.
type AllBuildsInvalidError struct {
	Failures []Failure
}

// allInvalidHeader prefixes AllBuildsInvalidError messages.
const allInvalidHeader = "The following builds were found, but had missing dependencies. Only one valid platform is required to run the engine."

func (e *AllBuildsInvalidError) Error() string {
	var b strings.Builder
	b.WriteString(allInvalidHeader)
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "\n\n%s (commit %s):", f.Platform, f.CommitID)
		for _, d := range f.Diagnostics {
			b.WriteString("\n  ")
			b.WriteString(d)
		}
	}
	return b.String()
}

// Is matches ErrSelection.
func (e *AllBuildsInvalidError) Is(target error) bool {
	return target == ErrSelection
}
