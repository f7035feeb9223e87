package manifest

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// Tag identifies the kind of a Manifest entry
type Tag string

const (
	TagTimestamp Tag = "TIMESTAMP"
	TagManifest  Tag = "MANIFEST"
	TagIgnore    Tag = "IGNORE"
	TagData      Tag = "DATA"
	TagMisc      Tag = "MISC"
	TagOptional  Tag = "OPTIONAL"
	TagDist      Tag = "DIST"
	TagEbuild    Tag = "EBUILD"
	TagAux       Tag = "AUX"
)

// TimestampFormat is the layout of TIMESTAMP entries
const TimestampFormat = "2006-01-02T15:04:05Z"

// auxDir is the directory AUX entries are relative to
const auxDir = "files"

// IsFileTag reports whether entries with this tag carry a size and hashes.
func (t Tag) IsFileTag() bool {
	switch t {
	case TagManifest, TagData, TagMisc, TagDist, TagEbuild, TagAux:
		return true
	}
	return false
}

// IsPathTag reports whether entries with this tag name a path in the tree.
// DIST entries name distfiles and TIMESTAMP names nothing.
func (t Tag) IsPathTag() bool {
	switch t {
	case TagTimestamp, TagDist:
		return false
	}
	return true
}

// IsKnown reports whether the tag belongs to the Manifest grammar.
func (t Tag) IsKnown() bool {
	switch t {
	case TagTimestamp, TagManifest, TagIgnore, TagData, TagMisc, TagOptional, TagDist, TagEbuild, TagAux:
		return true
	}
	return false
}

// Entry is a single line of a Manifest file
type Entry struct {
	Tag       Tag
	Path      string            // as recorded, relative to the Manifest directory
	Size      int64             // file tags only
	Hashes    map[string]string // file tags only, upper-case algorithm name -> hex digest
	Timestamp time.Time         // TIMESTAMP only
}

// TreePath returns the entry path relative to the Manifest directory,
// resolving AUX entries into the files/ subdirectory.
func (e *Entry) TreePath() string {
	if e.Tag == TagAux {
		return path.Join(auxDir, e.Path)
	}
	return e.Path
}

// Equal reports whether two entries serialize identically.
func (e *Entry) Equal(other *Entry) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.Tag != other.Tag || e.Path != other.Path || e.Size != other.Size {
		return false
	}
	if !e.Timestamp.Equal(other.Timestamp) {
		return false
	}
	if len(e.Hashes) != len(other.Hashes) {
		return false
	}
	for name, v := range e.Hashes {
		if other.Hashes[name] != v {
			return false
		}
	}
	return true
}

// String renders the entry as a Manifest line without the trailing newline.
func (e *Entry) String() string {
	switch {
	case e.Tag == TagTimestamp:
		return fmt.Sprintf("%s %s", e.Tag, e.Timestamp.UTC().Format(TimestampFormat))
	case e.Tag.IsFileTag():
		var b strings.Builder
		fmt.Fprintf(&b, "%s %s %d", e.Tag, EscapePath(e.Path), e.Size)
		for _, name := range sortedHashNames(e.Hashes) {
			fmt.Fprintf(&b, " %s %s", name, e.Hashes[name])
		}
		return b.String()
	default:
		return fmt.Sprintf("%s %s", e.Tag, EscapePath(e.Path))
	}
}

// NewFileEntry creates an entry for a regular file.
func NewFileEntry(tag Tag, p string, size int64, hashes map[string]string) *Entry {
	return &Entry{Tag: tag, Path: p, Size: size, Hashes: hashes}
}

// FileEntryForTreePath creates an entry for the file at treePath (relative to
// the Manifest directory), converting it into the recorded form of tag. AUX
// entries outside files/ cannot be represented and fall back to DATA.
func FileEntryForTreePath(tag Tag, treePath string, size int64, hashes map[string]string) *Entry {
	p := treePath
	if tag == TagAux {
		rel, ok := strings.CutPrefix(treePath, auxDir+"/")
		if !ok {
			tag = TagData
		} else {
			p = rel
		}
	}
	return NewFileEntry(tag, p, size, hashes)
}

func sortedHashNames(hashes map[string]string) []string {
	names := make([]string, 0, len(hashes))
	for name := range hashes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
