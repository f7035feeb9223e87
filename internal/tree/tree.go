// Package tree loads, verifies, updates and saves cascading Manifest trees.
//
// A Loader is bound to a single top-level Manifest. All paths it accepts and
// reports are slash-separated and relative to the directory containing that
// Manifest; the empty string denotes the directory itself.
package tree

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/schaermu/manifesto/internal/manifest"
	"github.com/schaermu/manifesto/internal/openpgp"
	"github.com/schaermu/manifesto/internal/profile"
)

// ManifestName is the file name of every Manifest in a tree
const ManifestName = "Manifest"

// SignMode controls whether the top-level Manifest is clearsigned on save
type SignMode int

const (
	// SignAuto signs when the Manifest was signed when it was loaded
	SignAuto SignMode = iota
	// SignForce always signs
	SignForce
	// SignNever never signs
	SignNever
)

// SignatureContext verifies and produces cleartext signatures
type SignatureContext interface {
	Verify(data []byte) ([]byte, *openpgp.Signature, error)
	Clearsign(data []byte, keyID string) ([]byte, error)
}

// Options configures a Loader
type Options struct {
	// AllowCreate permits opening a top-level Manifest that does not exist yet
	AllowCreate bool
	// Hashes are computed for new and updated entries
	Hashes []string
	// Profile classifies new files and decides where sub-Manifests go
	Profile profile.Profile
	// Env verifies and signs the top-level Manifest
	Env SignatureContext
	// VerifyOpenPGP checks the signature of a clearsigned top-level Manifest
	VerifyOpenPGP bool
	// Sign selects whether the top-level Manifest is signed on save
	Sign SignMode
	// OpenPGPKeyID selects the signing key; empty uses the first secret key
	OpenPGPKeyID string
	Logger       *slog.Logger
}

// loadedManifest is a single Manifest file of the tree
type loadedManifest struct {
	path  string // file path relative to the root
	dir   string // directory path relative to the root, "" for the top level
	m     *manifest.Manifest
	dirty bool
}

// Loader holds a cascading Manifest tree in memory
type Loader struct {
	fs        billy.Filesystem
	root      string // absolute OS path of the tree root, "" for virtual filesystems
	top       *loadedManifest
	byDir     map[string]*loadedManifest
	opts      Options
	logger    *slog.Logger
	signed    bool
	signature *openpgp.Signature
	rootDev   uint64
}

// Open loads the tree governed by the top-level Manifest at manifestPath.
// With AllowCreate, manifestPath may name a directory (meaning its Manifest)
// or a Manifest that does not exist yet.
func Open(manifestPath string, opts Options) (*Loader, error) {
	abs, err := filepath.Abs(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", manifestPath, err)
	}

	if opts.AllowCreate {
		if st, err := os.Stat(abs); err == nil && st.IsDir() {
			abs = filepath.Join(abs, ManifestName)
		}
	}

	rootDir := filepath.Dir(abs)
	st, err := os.Stat(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to access %s: %w", rootDir, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", rootDir)
	}

	dev, err := deviceOf(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", rootDir, err)
	}

	l, err := newLoader(osfs.New(rootDir), filepath.Base(abs), opts)
	if err != nil {
		return nil, err
	}
	l.root = rootDir
	l.rootDev = dev
	return l, nil
}

// OpenFS loads the tree whose top-level Manifest is name at the root of fsys.
// Device boundaries are not checked.
func OpenFS(fsys billy.Filesystem, name string, opts Options) (*Loader, error) {
	return newLoader(fsys, name, opts)
}

func newLoader(fsys billy.Filesystem, name string, opts Options) (*Loader, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Loader{
		fs:     fsys,
		byDir:  make(map[string]*loadedManifest),
		opts:   opts,
		logger: logger,
	}

	raw, err := util.ReadFile(fsys, name)
	switch {
	case err == nil:
		m, err := l.parseTopLevel(name, raw)
		if err != nil {
			return nil, err
		}
		l.top = &loadedManifest{path: name, m: m}
	case errors.Is(err, fs.ErrNotExist) && opts.AllowCreate:
		l.top = &loadedManifest{path: name, m: &manifest.Manifest{}, dirty: true}
		logger.Debug("creating new top-level manifest", "path", name)
	default:
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	l.byDir[""] = l.top
	if err := l.loadSubManifests(l.top); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Loader) parseTopLevel(name string, raw []byte) (*manifest.Manifest, error) {
	data, err := manifest.Decompress(raw, manifest.FormatForName(name))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	if openpgp.IsClearsigned(data) {
		l.signed = true
		if l.opts.VerifyOpenPGP {
			if l.opts.Env == nil {
				return nil, fmt.Errorf("%s: %w", name, openpgp.ErrNoKeys)
			}
			plain, sig, err := l.opts.Env.Verify(data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			l.signature = sig
			l.logger.Debug("manifest signature verified", "path", name, "key", sig.KeyID)
			data = plain
		} else {
			plain, err := openpgp.StripSignature(data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			data = plain
		}
	}

	m, err := manifest.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return m, nil
}

// loadSubManifests loads every Manifest referenced by lm, recursively.
// Referenced Manifests missing from disk are left for verification to
// report.
func (l *Loader) loadSubManifests(lm *loadedManifest) error {
	for _, e := range lm.m.Entries {
		if e.Tag != manifest.TagManifest {
			continue
		}

		p := joinRel(lm.dir, e.TreePath())
		dir := parentDir(p)
		if path.Base(p) == path.Base(lm.path) && dir == lm.dir {
			continue
		}
		if _, ok := l.byDir[dir]; ok {
			return &manifest.IncompatibleEntryError{
				Path:   p,
				Tag:    manifest.TagManifest,
				Reason: "directory already has a Manifest",
			}
		}

		sub, err := l.readManifest(p)
		if errors.Is(err, fs.ErrNotExist) {
			l.logger.Debug("referenced manifest missing", "path", p)
			continue
		}
		if err != nil {
			return err
		}

		child := &loadedManifest{path: p, dir: dir, m: sub}
		l.byDir[dir] = child
		if err := l.loadSubManifests(child); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) readManifest(p string) (*manifest.Manifest, error) {
	raw, err := util.ReadFile(l.fs, p)
	if err != nil {
		return nil, err
	}
	data, err := manifest.Decompress(raw, manifest.FormatForName(p))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	m, err := manifest.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", p, err)
	}
	return m, nil
}

// Signed reports whether the top-level Manifest carried an OpenPGP
// cleartext signature when it was loaded.
func (l *Loader) Signed() bool {
	return l.signed
}

// Signature returns the verified signer, or nil if the signature was not
// checked.
func (l *Loader) Signature() *openpgp.Signature {
	return l.signature
}

// Timestamp returns the TIMESTAMP entry of the top-level Manifest or nil.
// Changing it does not schedule the Manifest for saving.
func (l *Loader) Timestamp() *manifest.Entry {
	return l.top.m.Timestamp()
}

// SetTimestamp sets the TIMESTAMP of the top-level Manifest, adding the
// entry when missing.
func (l *Loader) SetTimestamp(t time.Time) {
	if ts := l.top.m.Timestamp(); ts != nil {
		ts.Timestamp = t.UTC().Truncate(time.Second)
		return
	}
	l.top.m.Entries = append(l.top.m.Entries, &manifest.Entry{
		Tag:       manifest.TagTimestamp,
		Timestamp: t.UTC().Truncate(time.Second),
	})
	l.top.dirty = true
}

// manifests returns the loaded Manifests sorted by file path
func (l *Loader) manifests() []*loadedManifest {
	out := make([]*loadedManifest, 0, len(l.byDir))
	for _, lm := range l.byDir {
		out = append(out, lm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// manifestFor returns the deepest Manifest whose directory contains p,
// excluding a Manifest located at p itself.
func (l *Loader) manifestFor(p string) *loadedManifest {
	dir := parentDir(p)
	for {
		if lm, ok := l.byDir[dir]; ok {
			return lm
		}
		if dir == "" {
			return l.top
		}
		dir = parentDir(dir)
	}
}

// parentOf returns the Manifest holding the MANIFEST entry for lm
func (l *Loader) parentOf(lm *loadedManifest) *loadedManifest {
	if lm == l.top {
		return nil
	}
	return l.manifestFor(lm.dir)
}

// manifestAt returns the loaded Manifest stored at file path p
func (l *Loader) manifestAt(p string) *loadedManifest {
	lm, ok := l.byDir[parentDir(p)]
	if ok && lm.path == p {
		return lm
	}
	return nil
}

// findEntry looks p up in every Manifest that may cover it, deepest first.
func (l *Loader) findEntry(p string) (*manifest.Entry, *loadedManifest) {
	dir := parentDir(p)
	for {
		if lm, ok := l.byDir[dir]; ok {
			if e := lm.m.FindPath(relTo(lm.dir, p)); e != nil {
				return e, lm
			}
		}
		if dir == "" {
			return nil, nil
		}
		dir = parentDir(dir)
	}
}

func (l *Loader) isIgnored(p string) bool {
	e, _ := l.findEntry(p)
	return e != nil && e.Tag == manifest.TagIgnore
}

// checkDevice fails for directories on a different filesystem than the root
func (l *Loader) checkDevice(p string) error {
	if l.root == "" || p == "" {
		return nil
	}
	dev, err := deviceOf(filepath.Join(l.root, filepath.FromSlash(p)))
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", p, err)
	}
	if dev != l.rootDev {
		return &manifest.CrossDeviceError{Path: p}
	}
	return nil
}

// listing is the content of one directory, split by type
type listing struct {
	dirs  []string
	files []os.FileInfo
}

func (l *Loader) readDir(p string) (*listing, error) {
	infos, err := l.fs.ReadDir(fsPath(p))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", displayPath(p), err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	ls := &listing{}
	for _, info := range infos {
		if info.IsDir() {
			ls.dirs = append(ls.dirs, info.Name())
		} else {
			ls.files = append(ls.files, info)
		}
	}
	return ls, nil
}

func (ls *listing) fileNames() []string {
	names := make([]string, len(ls.files))
	for i, f := range ls.files {
		names[i] = f.Name()
	}
	return names
}

// RelativePath expresses target relative to the directory of the top-level
// Manifest at topLevel.
func RelativePath(topLevel, target string) (string, error) {
	topAbs, err := filepath.Abs(topLevel)
	if err != nil {
		return "", err
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(filepath.Dir(topAbs), targetAbs)
	if err != nil {
		return "", &manifest.InvalidPathError{Path: target, Reason: err.Error()}
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return "", nil
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", &manifest.InvalidPathError{Path: target, Reason: "outside of the Manifest tree"}
	}
	return rel, nil
}

func validateRel(rel string) (string, error) {
	if rel == "" || rel == "." {
		return "", nil
	}
	clean := path.Clean(rel)
	if err := manifest.ValidatePath(clean); err != nil {
		return "", &manifest.InvalidPathError{Path: rel, Reason: err.Error()}
	}
	return clean, nil
}

func joinRel(dir, p string) string {
	if dir == "" {
		return p
	}
	if p == "" {
		return dir
	}
	return dir + "/" + p
}

func relTo(dir, p string) string {
	if dir == "" {
		return p
	}
	if p == dir {
		return ""
	}
	return strings.TrimPrefix(p, dir+"/")
}

func parentDir(p string) string {
	d := path.Dir(p)
	if d == "." || d == "/" {
		return ""
	}
	return d
}

func under(p, rel string) bool {
	return rel == "" || p == rel || strings.HasPrefix(p, rel+"/")
}

func fsPath(p string) string {
	if p == "" {
		return "."
	}
	return p
}

func displayPath(p string) string {
	if p == "" {
		return "."
	}
	return p
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedHashNames(hashes map[string]string) []string {
	return sortedKeys(hashes)
}
