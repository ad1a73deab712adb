package builder

import (
	"fmt"
	"strings"
)

// The build failure taxonomy. Every failure is fatal, aborts the build with
// no partial image, and carries the position of the offending instruction
// where one exists. Parse failures are reported by the parser package as
// *parser.Error.

// UnknownBaseError reports a FROM reference that resolves to nothing in the
// image store.
type UnknownBaseError struct {
	Ref string
}

func (e *UnknownBaseError) Error() string {
	return fmt.Sprintf("base image %q is not present in the image store", e.Ref)
}

// PathNotFoundError reports a COPY/ADD source that does not resolve inside
// the build context. Distinct from NetworkError because a missing local
// file is not transient and retrying cannot help.
type PathNotFoundError struct {
	Path        string
	Step        int
	Instruction string
}

func (e *PathNotFoundError) Error() string {
	return fmt.Sprintf("step %d (%s): %s: no such file or directory in build context", e.Step, e.Instruction, e.Path)
}

// NetworkError reports a failed remote ADD fetch. Kept separate from
// PathNotFoundError because network failures are plausibly transient and an
// invoking tool may choose to retry the build.
type NetworkError struct {
	URL  string
	Step int
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("step %d: fetching %s: %v", e.Step, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ExecError reports a RUN instruction whose process returned a non-zero
// status. Layers committed before the failing step stay cached.
type ExecError struct {
	Step        int
	Instruction string
	ExitCode    int
	Err         error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Step, e.Instruction, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// CyclicInheritanceError reports an image that inherits from itself through
// its FROM chain. Detected before any instruction executes; such a build
// produces zero layers.
type CyclicInheritanceError struct {
	Chain []string
}

func (e *CyclicInheritanceError) Error() string {
	return fmt.Sprintf("image inherits from itself: %s", strings.Join(e.Chain, " -> "))
}
