package tree

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/schaermu/manifesto/internal/manifest"
	"github.com/schaermu/manifesto/internal/openpgp"
)

// ErrTopLevelNotFound is returned when no Manifest governs a path
var ErrTopLevelNotFound = errors.New("top-level Manifest not found")

// Locator finds the top-level Manifest governing a path
type Locator struct{}

// NewLocator creates a locator for the local filesystem
func NewLocator() *Locator {
	return &Locator{}
}

// FindTopLevel walks up from p and returns the path of the highest Manifest
// covering it. The walk stops at the filesystem root, at a device boundary
// and at a Manifest that IGNOREs p.
func (loc *Locator) FindTopLevel(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", p, err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", p, err)
	}

	cur := abs
	if !st.IsDir() {
		cur = filepath.Dir(abs)
	}
	startDev, err := deviceOf(cur)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", cur, err)
	}

	found := ""
	for {
		dev, err := deviceOf(cur)
		if err != nil {
			return "", fmt.Errorf("failed to stat %s: %w", cur, err)
		}
		if dev != startDev {
			break
		}

		m, err := readPlainManifest(cur)
		if err != nil {
			return "", err
		}
		if m != nil {
			if rel := relFrom(cur, abs); rel != "" {
				if e := m.FindPath(rel); e != nil && e.Tag == manifest.TagIgnore {
					break
				}
			}
			found = filepath.Join(cur, ManifestName)
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}

	if found == "" {
		return "", fmt.Errorf("%w for %s", ErrTopLevelNotFound, p)
	}
	return found, nil
}

// readPlainManifest parses the Manifest in dir without checking its
// signature. It returns nil when dir has no Manifest.
func readPlainManifest(dir string) (*manifest.Manifest, error) {
	raw, err := util.ReadFile(osfs.New(dir), ManifestName)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Join(dir, ManifestName), err)
	}

	if openpgp.IsClearsigned(raw) {
		raw, err = openpgp.StripSignature(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Join(dir, ManifestName), err)
		}
	}

	m, err := manifest.ParseBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Join(dir, ManifestName), err)
	}
	return m, nil
}

func relFrom(dir, p string) string {
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}
