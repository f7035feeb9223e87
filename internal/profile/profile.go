package profile

import (
	"fmt"
	"sort"
	"strings"
)

// EntryType is the manifest tag assigned to a regular file
type EntryType string

const (
	EntryData   EntryType = "DATA"
	EntryMisc   EntryType = "MISC"
	EntryEbuild EntryType = "EBUILD"
	EntryAux    EntryType = "AUX"
)

// Kind discriminates the classification policies
type Kind string

const (
	KindDefault         Kind = "default"
	KindEbuild          Kind = "ebuild"
	KindBackwardsCompat Kind = "old-ebuild"
)

const (
	packageMetadataFile = "metadata.xml"
	ebuildSuffix        = ".ebuild"
	auxDir              = "files"
)

// standard top-level directories of an ebuild repository that always get
// their own Manifest
var topLevelDirs = map[string]bool{
	"eclass":   true,
	"licenses": true,
	"metadata": true,
	"profiles": true,
}

// metadata subdirectories worth a separate Manifest
var metadataSubdirs = map[string]bool{
	"glsa":      true,
	"md5-cache": true,
	"news":      true,
}

// Profile decides how files are tagged and where Manifests cascade when a
// tree is updated. Decisions depend only on the slash-separated path relative
// to the top-level Manifest directory and on listings supplied by the caller.
type Profile struct {
	Kind Kind
}

var registry = map[string]Kind{
	string(KindDefault):         KindDefault,
	string(KindEbuild):          KindEbuild,
	string(KindBackwardsCompat): KindBackwardsCompat,
}

// ByName returns the profile registered under name
func ByName(name string) (Profile, error) {
	kind, ok := registry[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown profile %q (must be one of %s)", name, strings.Join(Names(), ", "))
	}
	return Profile{Kind: kind}, nil
}

// Names lists the registered profile names in sorted order
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String returns the registry name of the profile.
func (p Profile) String() string {
	if p.Kind == "" {
		return string(KindDefault)
	}
	return string(p.Kind)
}

// EntryTypeFor returns the tag for the regular file at path.
func (p Profile) EntryTypeFor(path string) EntryType {
	switch p.Kind {
	case KindBackwardsCompat:
		return backwardsCompatEntryType(path)
	default:
		return defaultEntryType(path)
	}
}

// WantManifestIn reports whether the directory at relpath should receive its
// own Manifest instead of being folded into its parent's.
func (p Profile) WantManifestIn(relpath string, dirnames, filenames []string) bool {
	switch p.Kind {
	case KindEbuild, KindBackwardsCompat:
		return ebuildWantManifest(relpath, dirnames, filenames)
	default:
		return defaultWantManifest(relpath, dirnames, filenames)
	}
}

func defaultEntryType(string) EntryType {
	return EntryData
}

func defaultWantManifest(string, []string, []string) bool {
	return false
}

func ebuildWantManifest(relpath string, dirnames, filenames []string) bool {
	// catches most packages and the categories of ::gentoo
	if contains(filenames, packageMetadataFile) {
		return true
	}

	spl := strings.Split(relpath, "/")
	switch len(spl) {
	case 1:
		// categories, metadata, profiles...
		if len(dirnames) > 0 {
			return true
		}
		if topLevelDirs[relpath] {
			return true
		}
	case 2:
		for _, f := range filenames {
			if strings.HasSuffix(f, ebuildSuffix) {
				return true
			}
		}
		if spl[0] == "metadata" && metadataSubdirs[spl[1]] {
			return true
		}
	case 3:
		// metadata cache gets per-category Manifests
		if spl[0] == "metadata" && spl[1] == "md5-cache" {
			return true
		}
	}
	return false
}

func backwardsCompatEntryType(path string) EntryType {
	spl := strings.Split(path, "/")
	if len(spl) == 3 {
		if strings.HasSuffix(path, ebuildSuffix) {
			return EntryEbuild
		}
		if spl[2] == packageMetadataFile {
			return EntryMisc
		}
	}
	if len(spl) >= 3 && spl[2] == auxDir {
		return EntryAux
	}
	return defaultEntryType(path)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
