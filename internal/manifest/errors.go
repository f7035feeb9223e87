package manifest

import (
	"fmt"
	"strings"
)

// Severity tells verification handlers how serious a mismatch is
type Severity int

const (
	// SeverityFail is a mismatch of a strict entry (DATA, EBUILD, AUX, MANIFEST) or a stray file
	SeverityFail Severity = iota
	// SeverityWarn is a problem with a MISC or OPTIONAL entry
	SeverityWarn
)

func (s Severity) String() string {
	if s == SeverityWarn {
		return "warn"
	}
	return "fail"
}

// Diff is a single field that differs between the Manifest and the disk
type Diff struct {
	Field    string
	Expected string
	Got      string
}

// MismatchError reports a file whose state does not match its entry
type MismatchError struct {
	Path     string
	Severity Severity
	Reason   string
	Diffs    []Diff
}

func (e *MismatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "manifest mismatch for %s", e.Path)
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	for _, d := range e.Diffs {
		fmt.Fprintf(&b, "; %s: expected %s, have %s", d.Field, d.Expected, d.Got)
	}
	return b.String()
}

// CrossDeviceError reports a directory that lives on a different filesystem
// than the top-level Manifest
type CrossDeviceError struct {
	Path string
}

func (e *CrossDeviceError) Error() string {
	return fmt.Sprintf("path %s crosses filesystem boundaries, it must be IGNORE-d explicitly", e.Path)
}

// IncompatibleEntryError reports an entry that conflicts with the tree or
// with another entry for the same path
type IncompatibleEntryError struct {
	Path   string
	Tag    Tag
	Other  Tag
	Reason string
}

func (e *IncompatibleEntryError) Error() string {
	if e.Other != "" {
		return fmt.Sprintf("incompatible entries for %s: %s and %s (%s)", e.Path, e.Tag, e.Other, e.Reason)
	}
	return fmt.Sprintf("incompatible %s entry for %s: %s", e.Tag, e.Path, e.Reason)
}

// InvalidPathError reports a path that cannot be represented relative to the
// top-level Manifest
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid manifest path %s: %s", e.Path, e.Reason)
}
