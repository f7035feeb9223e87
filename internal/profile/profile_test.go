package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByName(t *testing.T) {
	for _, name := range []string{"default", "ebuild", "old-ebuild"} {
		p, err := ByName(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, p.String())
	}

	_, err := ByName("gentoo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown profile")
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"default", "ebuild", "old-ebuild"}, Names())
}

func TestDefaultProfile(t *testing.T) {
	p := Profile{}
	assert.Equal(t, EntryData, p.EntryTypeFor("dev-libs/foo/foo-1.ebuild"))
	assert.Equal(t, EntryData, p.EntryTypeFor("README"))
	assert.False(t, p.WantManifestIn("dev-libs", []string{"foo"}, []string{"metadata.xml"}))
	assert.False(t, p.WantManifestIn("eclass", nil, nil))
}

func TestEbuildWantManifestIn(t *testing.T) {
	p := Profile{Kind: KindEbuild}

	tests := []struct {
		name      string
		relpath   string
		dirnames  []string
		filenames []string
		want      bool
	}{
		{name: "category with packages", relpath: "dev-libs", dirnames: []string{"foo"}, want: true},
		{name: "empty top-level dir", relpath: "misc", want: false},
		{name: "eclass", relpath: "eclass", filenames: []string{"foo.eclass"}, want: true},
		{name: "licenses", relpath: "licenses", want: true},
		{name: "metadata", relpath: "metadata", want: true},
		{name: "profiles", relpath: "profiles", want: true},
		{name: "package dir", relpath: "dev-libs/foo", filenames: []string{"foo-1.ebuild"}, want: true},
		{name: "second level without ebuild", relpath: "dev-libs/foo", filenames: []string{"README"}, want: false},
		{name: "glsa", relpath: "metadata/glsa", want: true},
		{name: "md5-cache", relpath: "metadata/md5-cache", want: true},
		{name: "news", relpath: "metadata/news", want: true},
		{name: "other metadata subdir", relpath: "metadata/dtd", want: false},
		{name: "md5-cache category", relpath: "metadata/md5-cache/dev-libs", want: true},
		{name: "third level other", relpath: "dev-libs/foo/files", want: false},
		{name: "metadata.xml anywhere", relpath: "a/b/c/d", filenames: []string{"metadata.xml"}, want: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, p.WantManifestIn(tc.relpath, tc.dirnames, tc.filenames))
		})
	}
}

func TestEbuildWantManifestIn_MetadataXMLFlipsToTrue(t *testing.T) {
	listings := []struct {
		relpath   string
		dirnames  []string
		filenames []string
	}{
		{relpath: "misc"},
		{relpath: "dev-libs/foo", filenames: []string{"README"}},
		{relpath: "dev-libs/foo/files", filenames: []string{"a.patch"}},
		{relpath: "a/b/c/d/e"},
	}

	for _, kind := range []Kind{KindEbuild, KindBackwardsCompat} {
		p := Profile{Kind: kind}
		for _, l := range listings {
			withXML := append(append([]string{}, l.filenames...), "metadata.xml")
			assert.True(t, p.WantManifestIn(l.relpath, l.dirnames, withXML), "%s: %s", kind, l.relpath)
		}
	}
}

func TestEbuildEntryTypeIsDefault(t *testing.T) {
	p := Profile{Kind: KindEbuild}
	assert.Equal(t, EntryData, p.EntryTypeFor("dev-libs/foo/foo-1.ebuild"))
	assert.Equal(t, EntryData, p.EntryTypeFor("dev-libs/foo/metadata.xml"))
}

func TestBackwardsCompatEntryTypeFor(t *testing.T) {
	p := Profile{Kind: KindBackwardsCompat}

	tests := []struct {
		path string
		want EntryType
	}{
		{path: "dev-libs/foo/foo-1.ebuild", want: EntryEbuild},
		{path: "dev-libs/foo/metadata.xml", want: EntryMisc},
		{path: "dev-libs/foo/files/fix.patch", want: EntryAux},
		{path: "dev-libs/foo/files/sub/fix.patch", want: EntryAux},
		{path: "dev-libs/foo/ChangeLog", want: EntryData},
		{path: "dev-libs/metadata.xml", want: EntryData},
		{path: "foo-1.ebuild", want: EntryData},
		{path: "dev-libs/foo/bar/foo-1.ebuild", want: EntryData},
		{path: "eclass/foo.eclass", want: EntryData},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			assert.Equal(t, tc.want, p.EntryTypeFor(tc.path))
		})
	}
}

func TestBackwardsCompatSharesBoundaryDecisions(t *testing.T) {
	ebuild := Profile{Kind: KindEbuild}
	compat := Profile{Kind: KindBackwardsCompat}

	for _, relpath := range []string{"dev-libs", "eclass", "misc", "metadata/news", "metadata/md5-cache/x", "a/b"} {
		assert.Equal(t,
			ebuild.WantManifestIn(relpath, nil, []string{"x.ebuild"}),
			compat.WantManifestIn(relpath, nil, []string{"x.ebuild"}),
			relpath)
	}
}
