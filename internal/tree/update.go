package tree

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/schaermu/manifesto/internal/manifest"
)

type updater struct {
	l    *Loader
	seen map[string]bool
}

// UpdateEntriesForDirectory recomputes the entries for every file below rel
// using the configured hashes. Files without an entry are classified by the
// profile, directories the profile asks for get a new Manifest and entries
// for files that vanished are dropped. Only Manifests whose entries changed
// are scheduled for saving.
func (l *Loader) UpdateEntriesForDirectory(rel string) error {
	rel, err := validateRel(rel)
	if err != nil {
		return err
	}
	if len(l.opts.Hashes) == 0 {
		return fmt.Errorf("no hashes configured for update")
	}
	if err := manifest.ValidateHashes(l.opts.Hashes); err != nil {
		return err
	}

	u := &updater{l: l, seen: make(map[string]bool)}

	info, err := l.fs.Stat(fsPath(rel))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		l.logger.Debug("update target does not exist, dropping its entries", "path", displayPath(rel))
	case err != nil:
		return fmt.Errorf("failed to stat %s: %w", displayPath(rel), err)
	case info.IsDir():
		if rel != "" && l.isIgnored(rel) {
			return nil
		}
		if err := u.walk(rel); err != nil {
			return err
		}
	default:
		if err := u.updateFile(rel, info); err != nil {
			return err
		}
	}

	u.dropVanished(rel)
	return nil
}

func (u *updater) walk(dir string) error {
	l := u.l
	if err := l.checkDevice(dir); err != nil {
		return err
	}

	ls, err := l.readDir(dir)
	if err != nil {
		return err
	}

	if dir != "" {
		if err := u.ensureManifest(dir, ls); err != nil {
			return err
		}
	}

	for _, info := range ls.files {
		p := joinRel(dir, info.Name())
		if p == l.top.path || isHidden(info.Name()) || l.isIgnored(p) {
			continue
		}
		if err := u.updateFile(p, info); err != nil {
			return err
		}
	}

	for _, name := range ls.dirs {
		p := joinRel(dir, name)
		if isHidden(name) || l.isIgnored(p) {
			continue
		}
		if err := u.walk(p); err != nil {
			return err
		}
	}
	return nil
}

// ensureManifest adopts a Manifest found on disk in dir, or creates a new one
// when the profile asks for it.
func (u *updater) ensureManifest(dir string, ls *listing) error {
	l := u.l
	if _, ok := l.byDir[dir]; ok {
		return nil
	}

	var dirs, files []string
	for _, name := range ls.dirs {
		if !isHidden(name) {
			dirs = append(dirs, name)
		}
	}
	for _, name := range ls.fileNames() {
		if isManifestFile(name) {
			p := joinRel(dir, name)
			m, err := l.readManifest(p)
			if err != nil {
				return err
			}
			child := &loadedManifest{path: p, dir: dir, m: m}
			l.byDir[dir] = child
			l.logger.Debug("adopting existing manifest", "path", p)
			return l.loadSubManifests(child)
		}
		if !isHidden(name) {
			files = append(files, name)
		}
	}

	if !l.opts.Profile.WantManifestIn(dir, dirs, files) {
		return nil
	}

	p := joinRel(dir, ManifestName)
	l.byDir[dir] = &loadedManifest{path: p, dir: dir, m: &manifest.Manifest{}, dirty: true}
	u.seen[p] = true
	l.logger.Debug("creating sub-manifest", "path", p, "profile", l.opts.Profile.String())
	return nil
}

func (u *updater) updateFile(p string, info os.FileInfo) error {
	l := u.l
	if isSpecial(info) {
		l.logger.Warn("skipping special file", "path", p)
		return nil
	}
	u.seen[p] = true

	existing, owner := l.findEntry(p)
	if existing != nil && existing.Tag == manifest.TagIgnore {
		return nil
	}

	target := l.manifestFor(p)
	var tag manifest.Tag
	switch {
	case p != l.top.path && l.manifestAt(p) != nil:
		tag = manifest.TagManifest
		target = l.parentOf(l.manifestAt(p))
	case existing == nil, existing.Tag == manifest.TagOptional, existing.Tag == manifest.TagManifest:
		tag = manifest.Tag(l.opts.Profile.EntryTypeFor(p))
	default:
		tag = existing.Tag
	}

	sums, size, err := l.hashFile(p, l.opts.Hashes)
	if err != nil {
		return err
	}
	e := manifest.FileEntryForTreePath(tag, relTo(target.dir, p), size, sums)

	if existing != nil && owner == target && existing.Equal(e) {
		return nil
	}

	if owner == target {
		target.m.Replace(existing, e)
	} else {
		if existing != nil && owner.m.Remove(existing) {
			owner.dirty = true
		}
		target.m.Replace(nil, e)
	}
	target.dirty = true
	l.logger.Debug("updated entry", "path", p, "tag", e.Tag, "manifest", target.path)
	return nil
}

// dropVanished removes entries below rel whose files were not seen
func (u *updater) dropVanished(rel string) {
	l := u.l
	for _, lm := range l.manifests() {
		entries := append([]*manifest.Entry(nil), lm.m.Entries...)
		for _, e := range entries {
			if !e.Tag.IsFileTag() || e.Tag == manifest.TagDist {
				continue
			}
			p := joinRel(lm.dir, e.TreePath())
			if !under(p, rel) || u.seen[p] {
				continue
			}

			if e.Tag == manifest.TagManifest {
				if child := l.manifestAt(p); child != nil && child.dirty {
					continue
				}
				l.forgetManifestsBelow(parentDir(p))
			}

			lm.m.Remove(e)
			lm.dirty = true
			l.logger.Debug("dropped entry for vanished file", "path", p, "manifest", lm.path)
		}
	}
}

// forgetManifestsBelow unloads the Manifest of dir and all Manifests below it
func (l *Loader) forgetManifestsBelow(dir string) {
	if dir == "" {
		return
	}
	for d := range l.byDir {
		if under(d, dir) {
			delete(l.byDir, d)
		}
	}
}

func isManifestFile(name string) bool {
	if name == ManifestName {
		return true
	}
	return strings.HasPrefix(name, ManifestName+".") && manifest.FormatForName(name) != ""
}

func isSpecial(info os.FileInfo) bool {
	return info.Mode()&(os.ModeDevice|os.ModeCharDevice|os.ModeNamedPipe|os.ModeSocket) != 0
}
