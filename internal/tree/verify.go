package tree

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/schaermu/manifesto/internal/manifest"
)

// Handler receives a mismatch found during verification. Returning true
// accepts the mismatch, returning false records the path as failed and
// continues the scan.
type Handler func(*manifest.MismatchError) bool

// VerifyOptions configures AssertDirectoryVerifies
type VerifyOptions struct {
	// FailHandler receives failures. When nil, the first failure is
	// returned as a *manifest.MismatchError.
	FailHandler Handler
	// WarnHandler receives MISC and OPTIONAL problems. When nil, they are
	// treated as failures.
	WarnHandler Handler
}

// expected is an entry resolved to its path relative to the root
type expected struct {
	entry *manifest.Entry
}

type verifier struct {
	l    *Loader
	opts VerifyOptions
	ok   bool
}

// AssertDirectoryVerifies checks every file below rel against the Manifest
// tree. It returns false when a handler rejected a mismatch and an error
// when verification could not be completed.
func (l *Loader) AssertDirectoryVerifies(rel string, opts VerifyOptions) (bool, error) {
	rel, err := validateRel(rel)
	if err != nil {
		return false, err
	}

	want, err := l.expectedEntries(rel)
	if err != nil {
		return false, err
	}

	v := &verifier{l: l, opts: opts, ok: true}

	info, err := l.fs.Stat(fsPath(rel))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// everything recorded below rel is missing
	case err != nil:
		return false, fmt.Errorf("failed to stat %s: %w", displayPath(rel), err)
	case info.IsDir():
		if err := v.walk(rel, want); err != nil {
			return false, err
		}
	default:
		if err := v.checkFile(rel, info, want); err != nil {
			return false, err
		}
	}

	if err := v.reportMissing(want); err != nil {
		return false, err
	}
	return v.ok, nil
}

// expectedEntries collects every path entry below rel, keyed by its path
// relative to the root.
func (l *Loader) expectedEntries(rel string) (map[string]expected, error) {
	want := make(map[string]expected)
	for _, lm := range l.manifests() {
		for _, e := range lm.m.Entries {
			if !e.Tag.IsPathTag() || e.Tag == manifest.TagIgnore {
				continue
			}

			p := joinRel(lm.dir, e.TreePath())
			if !under(p, rel) || p == l.top.path || l.isIgnored(p) {
				continue
			}

			if prev, ok := want[p]; ok {
				if !compatible(prev.entry, e) {
					return nil, &manifest.IncompatibleEntryError{
						Path:   p,
						Tag:    prev.entry.Tag,
						Other:  e.Tag,
						Reason: "conflicting entries",
					}
				}
				continue
			}
			want[p] = expected{entry: e}
		}
	}
	return want, nil
}

func (v *verifier) walk(dir string, want map[string]expected) error {
	if err := v.l.checkDevice(dir); err != nil {
		return err
	}

	ls, err := v.l.readDir(dir)
	if err != nil {
		return err
	}

	for _, name := range ls.dirs {
		p := joinRel(dir, name)
		if exp, ok := want[p]; ok {
			return &manifest.IncompatibleEntryError{
				Path:   p,
				Tag:    exp.entry.Tag,
				Reason: "entry names a directory",
			}
		}
		if isHidden(name) || v.l.isIgnored(p) {
			continue
		}
		if err := v.walk(p, want); err != nil {
			return err
		}
	}

	for _, info := range ls.files {
		p := joinRel(dir, info.Name())
		if p == v.l.top.path {
			continue
		}
		if _, listed := want[p]; !listed && (isHidden(info.Name()) || v.l.isIgnored(p)) {
			continue
		}
		if err := v.checkFile(p, info, want); err != nil {
			return err
		}
	}
	return nil
}

func (v *verifier) checkFile(p string, info os.FileInfo, want map[string]expected) error {
	exp, ok := want[p]
	if !ok {
		return v.report(&manifest.MismatchError{
			Path:     p,
			Severity: manifest.SeverityFail,
			Reason:   "file not listed in any Manifest",
		})
	}
	delete(want, p)

	e := exp.entry
	if e.Tag == manifest.TagOptional {
		return v.report(&manifest.MismatchError{
			Path:     p,
			Severity: manifest.SeverityWarn,
			Reason:   "OPTIONAL file is present",
		})
	}

	severity := severityOf(e.Tag)
	if isSpecial(info) {
		return v.report(&manifest.MismatchError{
			Path:     p,
			Severity: severity,
			Reason:   "not a regular file",
		})
	}

	diffs, err := v.l.compare(p, info.Size(), e)
	if err != nil {
		return err
	}
	if len(diffs) == 0 {
		return nil
	}
	return v.report(&manifest.MismatchError{
		Path:     p,
		Severity: severity,
		Reason:   "content differs",
		Diffs:    diffs,
	})
}

func (v *verifier) reportMissing(want map[string]expected) error {
	for _, p := range sortedKeys(want) {
		e := want[p].entry
		if e.Tag == manifest.TagOptional {
			continue
		}
		if err := v.report(&manifest.MismatchError{
			Path:     p,
			Severity: severityOf(e.Tag),
			Reason:   "file listed in Manifest is missing",
		}); err != nil {
			return err
		}
	}
	return nil
}

func (v *verifier) report(mm *manifest.MismatchError) error {
	handler := v.opts.FailHandler
	if mm.Severity == manifest.SeverityWarn && v.opts.WarnHandler != nil {
		handler = v.opts.WarnHandler
	}
	if handler == nil {
		return mm
	}
	if !handler(mm) {
		v.ok = false
	}
	return nil
}

// compare checks the size and the supported hashes of the file at p
func (l *Loader) compare(p string, size int64, e *manifest.Entry) ([]manifest.Diff, error) {
	if size != e.Size {
		return []manifest.Diff{{
			Field:    "size",
			Expected: strconv.FormatInt(e.Size, 10),
			Got:      strconv.FormatInt(size, 10),
		}}, nil
	}

	var names []string
	for _, name := range sortedHashNames(e.Hashes) {
		if manifest.IsSupportedHash(name) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return []manifest.Diff{{Field: "hashes", Expected: "a supported hash", Got: "none"}}, nil
	}

	sums, _, err := l.hashFile(p, names)
	if err != nil {
		return nil, err
	}

	var diffs []manifest.Diff
	for _, name := range names {
		if sums[name] != e.Hashes[name] {
			diffs = append(diffs, manifest.Diff{Field: name, Expected: e.Hashes[name], Got: sums[name]})
		}
	}
	return diffs, nil
}

func (l *Loader) hashFile(p string, names []string) (map[string]string, int64, error) {
	f, err := l.fs.Open(p)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %s: %w", p, err)
	}
	defer func() {
		_ = f.Close()
	}()

	sums, n, err := manifest.HashReader(f, names)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return sums, n, nil
}

func severityOf(tag manifest.Tag) manifest.Severity {
	switch tag {
	case manifest.TagMisc, manifest.TagOptional:
		return manifest.SeverityWarn
	}
	return manifest.SeverityFail
}

// compatible reports whether two entries for the same path can coexist
func compatible(a, b *manifest.Entry) bool {
	if a.Tag != b.Tag {
		return false
	}
	if !a.Tag.IsFileTag() {
		return true
	}
	if a.Size != b.Size {
		return false
	}
	for name, sum := range a.Hashes {
		if other, ok := b.Hashes[name]; ok && other != sum {
			return false
		}
	}
	return true
}
