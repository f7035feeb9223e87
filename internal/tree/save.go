package tree

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5"

	"github.com/schaermu/manifesto/internal/manifest"
	"github.com/schaermu/manifesto/internal/openpgp"
)

// fallbackManifestHash is used for MANIFEST entries when no hashes are
// configured and the previous entry carried none we support
const fallbackManifestHash = "SHA512"

// SaveOptions configures SaveManifests
type SaveOptions struct {
	// Sort writes entries ordered by tag and path
	Sort bool
	// CompressWatermark compresses sub-Manifests of at least this many
	// bytes. Nil keeps every Manifest in its current form.
	CompressWatermark *int64
	// CompressFormat names the codec used above the watermark
	CompressFormat string
	// Force rewrites Manifests that did not change
	Force bool
}

// SaveStats summarizes a SaveManifests call
type SaveStats struct {
	Written    int
	Compressed int
	Bytes      int64
	Signed     bool
}

// SaveManifests writes every changed Manifest, deepest first, refreshing the
// MANIFEST entries of their parents on the way up.
func (l *Loader) SaveManifests(opts SaveOptions) (SaveStats, error) {
	var stats SaveStats

	if opts.CompressWatermark != nil && *opts.CompressWatermark < 0 {
		return stats, fmt.Errorf("compress watermark must not be negative")
	}
	format := opts.CompressFormat
	if format == "" {
		format = manifest.DefaultCompressFormat
	}
	if err := manifest.ValidateCompressFormat(format); err != nil {
		return stats, err
	}

	written := make(map[*loadedManifest]bool)
	for {
		lm := l.nextToSave(opts.Force, written)
		if lm == nil {
			break
		}
		if err := l.save(lm, opts, format, &stats); err != nil {
			return stats, err
		}
		written[lm] = true
	}

	if stats.Written == 0 {
		l.logger.Debug("no manifests needed saving")
	}
	return stats, nil
}

func (l *Loader) nextToSave(force bool, written map[*loadedManifest]bool) *loadedManifest {
	var next *loadedManifest
	for _, lm := range l.manifests() {
		if !lm.dirty && (!force || written[lm]) {
			continue
		}
		if next == nil || depth(lm.dir) > depth(next.dir) {
			next = lm
		}
	}
	return next
}

func (l *Loader) save(lm *loadedManifest, opts SaveOptions, format string, stats *SaveStats) error {
	data := lm.m.Bytes(opts.Sort)

	target := lm.path
	if lm != l.top && opts.CompressWatermark != nil {
		target = joinRel(lm.dir, ManifestName)
		if int64(len(data)) >= *opts.CompressWatermark {
			target = manifest.CompressedName(target, format)
		}
	}

	if lm == l.top && l.shouldSign() {
		if l.opts.Env == nil {
			return fmt.Errorf("failed to sign %s: %w", lm.path, openpgp.ErrNoSigningKey)
		}
		signed, err := l.opts.Env.Clearsign(data, l.opts.OpenPGPKeyID)
		if err != nil {
			return fmt.Errorf("failed to sign %s: %w", lm.path, err)
		}
		data = signed
		stats.Signed = true
	}

	if f := manifest.FormatForName(target); f != "" {
		packed, err := manifest.Compress(data, f)
		if err != nil {
			return fmt.Errorf("failed to compress %s: %w", target, err)
		}
		data = packed
		stats.Compressed++
	}

	if err := writeFileAtomic(l.fs, target, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}

	oldPath := lm.path
	if target != oldPath {
		if err := l.fs.Remove(oldPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", oldPath, err)
		}
		lm.path = target
	}
	lm.dirty = false

	stats.Written++
	stats.Bytes += int64(len(data))
	l.logger.Info("wrote manifest", "path", target, "size", humanize.Bytes(uint64(len(data))))

	if parent := l.parentOf(lm); parent != nil {
		l.refreshManifestEntry(parent, oldPath, target, data)
	}
	return nil
}

func (l *Loader) shouldSign() bool {
	switch l.opts.Sign {
	case SignForce:
		return true
	case SignNever:
		return false
	default:
		return l.signed
	}
}

// refreshManifestEntry points the MANIFEST entry in parent at the freshly
// written sub-Manifest.
func (l *Loader) refreshManifestEntry(parent *loadedManifest, oldPath, newPath string, data []byte) {
	oldRel := relTo(parent.dir, oldPath)
	newRel := relTo(parent.dir, newPath)

	var existing *manifest.Entry
	for _, e := range parent.m.Entries {
		if e.Tag == manifest.TagManifest && (e.Path == oldRel || e.Path == newRel) {
			existing = e
			break
		}
	}

	names := l.opts.Hashes
	if len(names) == 0 && existing != nil {
		for _, name := range sortedHashNames(existing.Hashes) {
			if manifest.IsSupportedHash(name) {
				names = append(names, name)
			}
		}
	}
	if len(names) == 0 {
		names = []string{fallbackManifestHash}
	}

	e := manifest.NewFileEntry(manifest.TagManifest, newRel, int64(len(data)), manifest.HashBytes(data, names))
	if existing != nil && existing.Equal(e) {
		return
	}
	parent.m.Replace(existing, e)
	parent.dirty = true
}

// writeFileAtomic writes data to a temporary file next to name and renames it
// into place.
func writeFileAtomic(fsys billy.Filesystem, name string, data []byte) error {
	dir := parentDir(name)
	if dir != "" {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp, err := fsys.TempFile(fsPath(dir), ".manifesto-tmp-")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = fsys.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if ch, ok := fsys.(billy.Change); ok {
		if err := ch.Chmod(tmpPath, 0o644); err != nil {
			return err
		}
	}

	return fsys.Rename(tmpPath, name)
}

func depth(dir string) int {
	if dir == "" {
		return 0
	}
	return strings.Count(dir, "/") + 1
}
