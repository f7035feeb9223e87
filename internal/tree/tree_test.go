package tree

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/manifesto/internal/manifest"
	"github.com/schaermu/manifesto/internal/openpgp"
	"github.com/schaermu/manifesto/internal/profile"
	"github.com/schaermu/manifesto/internal/testutil"
)

func mustProfile(t *testing.T, name string) profile.Profile {
	t.Helper()
	p, err := profile.ByName(name)
	require.NoError(t, err)
	return p
}

// createTree builds a Manifest tree for dir the way the create command does
func createTree(t *testing.T, dir string, opts Options) SaveStats {
	t.Helper()
	opts.AllowCreate = true
	if opts.Hashes == nil {
		opts.Hashes = []string{"SHA256"}
	}

	l, err := Open(dir, opts)
	require.NoError(t, err)
	require.NoError(t, l.UpdateEntriesForDirectory(""))
	l.SetTimestamp(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))

	stats, err := l.SaveManifests(SaveOptions{Sort: true})
	require.NoError(t, err)
	return stats
}

func openTree(t *testing.T, dir string) *Loader {
	t.Helper()
	l, err := Open(filepath.Join(dir, ManifestName), Options{Hashes: []string{"SHA256"}})
	require.NoError(t, err)
	return l
}

func TestCreateThenVerify(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"a.txt":         "a",
		"sub/b.txt":     "bb",
		"sub/deep/c.md": "ccc",
	})

	stats := createTree(t, dir, Options{})
	assert.Equal(t, 1, stats.Written)

	content := testutil.ReadFile(t, dir, ManifestName)
	assert.True(t, strings.HasPrefix(content, "TIMESTAMP 2024-01-02T03:04:05Z\n"), content)
	assert.Contains(t, content, "DATA a.txt 1 SHA256 ca978112ca1bbdcafac231b39a23dc4da786eff8147c4e72b9807785afee48bb\n")
	assert.Contains(t, content, "DATA sub/deep/c.md 3 SHA256 ")

	l := openTree(t, dir)
	ok, err := l.AssertDirectoryVerifies("", VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, l.Signed())
	require.NotNil(t, l.Timestamp())
	assert.Equal(t, 2024, l.Timestamp().Timestamp.Year())
}

func TestCreateThenVerify_UndecodableName(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"bad\xff.txt":     "x",
		"sub/lat\xe9.txt": "y",
	})

	createTree(t, dir, Options{})

	content := testutil.ReadFile(t, dir, ManifestName)
	assert.Contains(t, content, "DATA bad\\uDCFF.txt 1 SHA256 ")
	assert.Contains(t, content, "DATA sub/lat\\uDCE9.txt 1 SHA256 ")
	assert.NotContains(t, content, "\uFFFD")

	l := openTree(t, dir)
	ok, err := l.AssertDirectoryVerifies("", VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_StrictMismatch(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"a.txt": "a", "b.txt": "b"})
	createTree(t, dir, Options{})

	testutil.WriteTree(t, dir, map[string]string{"b.txt": "B"})

	_, err := openTree(t, dir).AssertDirectoryVerifies("", VerifyOptions{})
	var mm *manifest.MismatchError
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, "b.txt", mm.Path)
	assert.Equal(t, manifest.SeverityFail, mm.Severity)
	require.Len(t, mm.Diffs, 1)
	assert.Equal(t, "SHA256", mm.Diffs[0].Field)
}

func TestVerify_KeepGoingOneMismatchAmongTen(t *testing.T) {
	dir := t.TempDir()
	files := make(map[string]string)
	for i := 0; i < 10; i++ {
		files[fmt.Sprintf("f%02d.txt", i)] = fmt.Sprintf("content %d", i)
	}
	testutil.WriteTree(t, dir, files)
	createTree(t, dir, Options{})

	testutil.WriteTree(t, dir, map[string]string{"f07.txt": "changed, and longer"})

	var seen []string
	ok, err := openTree(t, dir).AssertDirectoryVerifies("", VerifyOptions{
		FailHandler: func(mm *manifest.MismatchError) bool {
			seen = append(seen, mm.Path)
			return false
		},
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"f07.txt"}, seen)
}

func TestVerify_StrayAndMissing(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"keep.txt": "k", "gone.txt": "g"})
	createTree(t, dir, Options{})

	require.NoError(t, os.Remove(filepath.Join(dir, "gone.txt")))
	testutil.WriteTree(t, dir, map[string]string{"new.txt": "n", ".hidden": "h"})

	reasons := make(map[string]string)
	ok, err := openTree(t, dir).AssertDirectoryVerifies("", VerifyOptions{
		FailHandler: func(mm *manifest.MismatchError) bool {
			reasons[mm.Path] = mm.Reason
			return false
		},
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, map[string]string{
		"gone.txt": "file listed in Manifest is missing",
		"new.txt":  "file not listed in any Manifest",
	}, reasons)
}

func TestVerify_NonStrictWarnings(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"data.txt": "d"})
	testutil.WriteTree(t, dir, map[string]string{
		ManifestName: "MISC metadata.xml 10 SHA256 00\n" +
			"OPTIONAL ChangeLog\n" +
			"DATA data.txt 1 SHA256 18ac3e7343f016890c510e93f935261169d9e3f565436429830faf0934f4f8e4\n",
	})

	// strict: the missing MISC file fails
	_, err := openTree(t, dir).AssertDirectoryVerifies("", VerifyOptions{})
	var mm *manifest.MismatchError
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, manifest.SeverityWarn, mm.Severity)

	// non-strict: warnings are accepted
	var warnings []string
	ok, err := openTree(t, dir).AssertDirectoryVerifies("", VerifyOptions{
		WarnHandler: func(mm *manifest.MismatchError) bool {
			warnings = append(warnings, mm.Path)
			return true
		},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"metadata.xml"}, warnings)

	// a present OPTIONAL file is a warning too
	testutil.WriteTree(t, dir, map[string]string{"ChangeLog": "x"})
	warnings = nil
	ok, err = openTree(t, dir).AssertDirectoryVerifies("", VerifyOptions{
		WarnHandler: func(mm *manifest.MismatchError) bool {
			warnings = append(warnings, mm.Path)
			return true
		},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ElementsMatch(t, []string{"metadata.xml", "ChangeLog"}, warnings)
}

func TestVerify_IgnoredPaths(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		ManifestName:          "IGNORE distfiles\nIGNORE local.conf\n",
		"distfiles/foo.tar":   "x",
		"distfiles/sub/y.tar": "y",
		"local.conf":          "z",
	})

	ok, err := openTree(t, dir).AssertDirectoryVerifies("", VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_EntryNamingDirectory(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		ManifestName: "DATA sub 1 SHA256 00\n",
		"sub/a.txt":  "a",
	})

	_, err := openTree(t, dir).AssertDirectoryVerifies("", VerifyOptions{})
	var inc *manifest.IncompatibleEntryError
	assert.ErrorAs(t, err, &inc)
}

func TestVerify_ConflictingEntries(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		ManifestName: "DATA a.txt 1 SHA256 00\nMISC a.txt 1 SHA256 00\n",
		"a.txt":      "a",
	})

	_, err := openTree(t, dir).AssertDirectoryVerifies("", VerifyOptions{})
	var inc *manifest.IncompatibleEntryError
	require.ErrorAs(t, err, &inc)
	assert.Equal(t, manifest.TagData, inc.Tag)
	assert.Equal(t, manifest.TagMisc, inc.Other)
}

func TestVerify_Subdirectory(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"a/x.txt": "x", "b/y.txt": "y"})
	createTree(t, dir, Options{})

	testutil.WriteTree(t, dir, map[string]string{"b/y.txt": "Y"})

	l := openTree(t, dir)
	ok, err := l.AssertDirectoryVerifies("a", VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = l.AssertDirectoryVerifies("b", VerifyOptions{})
	assert.Error(t, err)

	_, err = l.AssertDirectoryVerifies("../outside", VerifyOptions{})
	var inv *manifest.InvalidPathError
	assert.ErrorAs(t, err, &inv)
}

func TestUpdate_EbuildRepository(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"header.txt":                        "repo",
		"eclass/foo.eclass":                 "eclass",
		"dev-libs/foo/foo-1.ebuild":         "EAPI=8",
		"dev-libs/foo/metadata.xml":         "<pkgmetadata/>",
		"dev-libs/foo/files/foo-fix.patch":  "--- a\n+++ b\n",
		"dev-libs/foo/files/sub/extra.conf": "x=1",
	})

	createTree(t, dir, Options{Profile: mustProfile(t, "old-ebuild")})

	snap := testutil.Snapshot(t, dir)
	require.Contains(t, snap, "eclass/Manifest")
	require.Contains(t, snap, "dev-libs/Manifest")
	require.Contains(t, snap, "dev-libs/foo/Manifest")
	assert.NotContains(t, snap, "dev-libs/foo/files/Manifest")

	pkg := snap["dev-libs/foo/Manifest"]
	assert.Contains(t, pkg, "EBUILD foo-1.ebuild 6 ")
	assert.Contains(t, pkg, "MISC metadata.xml 14 ")
	assert.Contains(t, pkg, "AUX foo-fix.patch 12 ")
	assert.Contains(t, pkg, "AUX sub/extra.conf 3 ")

	top := snap[ManifestName]
	assert.Contains(t, top, "DATA header.txt 4 ")
	assert.Contains(t, top, "MANIFEST eclass/Manifest ")
	assert.Contains(t, top, "MANIFEST dev-libs/Manifest ")
	assert.NotContains(t, top, "foo-1.ebuild")
	assert.Contains(t, snap["dev-libs/Manifest"], "MANIFEST foo/Manifest ")

	ok, err := openTree(t, dir).AssertDirectoryVerifies("", VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpdate_Idempotent(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"cat/pkg/pkg-1.ebuild": "x",
		"cat/pkg/metadata.xml": "y",
		"README":               "z",
	})
	createTree(t, dir, Options{Profile: mustProfile(t, "ebuild")})
	before := testutil.Snapshot(t, dir)

	for i := 0; i < 2; i++ {
		l := openTree(t, dir)
		require.NoError(t, l.UpdateEntriesForDirectory(""))
		l.Timestamp().Timestamp = time.Now().UTC()

		stats, err := l.SaveManifests(SaveOptions{Sort: true})
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Written)
	}

	assert.Equal(t, before, testutil.Snapshot(t, dir))
}

func TestUpdate_ChangesPropagateUpwards(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"cat/pkg/pkg-1.ebuild": "x",
		"cat/pkg/metadata.xml": "y",
		"cat/pkg/gone.patch":   "g",
	})
	createTree(t, dir, Options{Profile: mustProfile(t, "ebuild")})

	testutil.WriteTree(t, dir, map[string]string{"cat/pkg/pkg-2.ebuild": "new"})
	require.NoError(t, os.Remove(filepath.Join(dir, "cat/pkg/gone.patch")))

	l := openTree(t, dir)
	require.NoError(t, l.UpdateEntriesForDirectory("cat/pkg"))
	now := time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC)
	l.Timestamp().Timestamp = now

	stats, err := l.SaveManifests(SaveOptions{Sort: true})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Written)

	pkg := testutil.ReadFile(t, dir, "cat/pkg/Manifest")
	assert.Contains(t, pkg, "DATA pkg-2.ebuild 3 ")
	assert.NotContains(t, pkg, "gone.patch")
	assert.Contains(t, testutil.ReadFile(t, dir, ManifestName), "TIMESTAMP 2025-05-06T07:08:09Z")

	ok, err := openTree(t, dir).AssertDirectoryVerifies("", VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSave_ForceRewrite(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"cat/pkg/pkg-1.ebuild": "x",
		"cat/pkg/metadata.xml": "y",
	})
	createTree(t, dir, Options{Profile: mustProfile(t, "ebuild")})

	l := openTree(t, dir)
	stats, err := l.SaveManifests(SaveOptions{Sort: true, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Written)
}

func TestSave_CompressWatermark(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"cat/pkg/pkg-1.ebuild": "x",
		"cat/pkg/metadata.xml": "y",
	})
	createTree(t, dir, Options{Profile: mustProfile(t, "ebuild")})

	zero := int64(0)
	l := openTree(t, dir)
	stats, err := l.SaveManifests(SaveOptions{Sort: true, Force: true, CompressWatermark: &zero, CompressFormat: "xz"})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Compressed)

	snap := testutil.Snapshot(t, dir)
	assert.Contains(t, snap, "cat/Manifest.xz")
	assert.Contains(t, snap, "cat/pkg/Manifest.xz")
	assert.NotContains(t, snap, "cat/Manifest")
	assert.Contains(t, snap, ManifestName)
	assert.Contains(t, snap[ManifestName], "MANIFEST cat/Manifest.xz ")

	ok, err := openTree(t, dir).AssertDirectoryVerifies("", VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, ok)

	negative := int64(-1)
	_, err = openTree(t, dir).SaveManifests(SaveOptions{CompressWatermark: &negative})
	assert.Error(t, err)
}

func TestSignedTopLevel(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"a.txt": "a"})
	key := testutil.NewSigningKey(t, "Repo Signer", "repo@example.com")

	signer := openpgp.NewEnvironment()
	defer func() { _ = signer.Close() }()
	require.NoError(t, signer.ImportKey(bytes.NewReader(key.Private)))

	stats := createTree(t, dir, Options{Env: signer, Sign: SignForce})
	assert.True(t, stats.Signed)
	assert.True(t, openpgp.IsClearsigned([]byte(testutil.ReadFile(t, dir, ManifestName))))

	verifier := openpgp.NewEnvironment()
	defer func() { _ = verifier.Close() }()
	require.NoError(t, verifier.ImportKey(bytes.NewReader(key.Public)))

	l, err := Open(filepath.Join(dir, ManifestName), Options{Env: verifier, VerifyOpenPGP: true})
	require.NoError(t, err)
	assert.True(t, l.Signed())
	require.NotNil(t, l.Signature())
	assert.Equal(t, key.KeyID(), l.Signature().KeyID)

	ok, err := l.AssertDirectoryVerifies("", VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, ok)

	// no keys at all
	_, err = Open(filepath.Join(dir, ManifestName), Options{VerifyOpenPGP: true})
	assert.ErrorIs(t, err, openpgp.ErrNoKeys)

	// verification disabled strips the signature
	l, err = Open(filepath.Join(dir, ManifestName), Options{})
	require.NoError(t, err)
	assert.True(t, l.Signed())
	assert.Nil(t, l.Signature())

	// tampering breaks the signature
	content := testutil.ReadFile(t, dir, ManifestName)
	testutil.WriteTree(t, dir, map[string]string{ManifestName: strings.Replace(content, "DATA a.txt 1", "DATA a.txt 2", 1)})
	_, err = Open(filepath.Join(dir, ManifestName), Options{Env: verifier, VerifyOpenPGP: true})
	var verr *openpgp.VerificationError
	assert.ErrorAs(t, err, &verr)
}

func TestOpen_Missing(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(filepath.Join(dir, ManifestName), Options{})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenFS_Memory(t *testing.T) {
	fsys := memfs.New()
	require.NoError(t, util.WriteFile(fsys, "a.txt", []byte("a"), 0644))
	require.NoError(t, util.WriteFile(fsys, "dir/b.txt", []byte("b"), 0644))

	l, err := OpenFS(fsys, ManifestName, Options{AllowCreate: true, Hashes: []string{"SHA512", "BLAKE2B"}})
	require.NoError(t, err)
	require.NoError(t, l.UpdateEntriesForDirectory(""))
	_, err = l.SaveManifests(SaveOptions{Sort: true})
	require.NoError(t, err)

	raw, err := util.ReadFile(fsys, ManifestName)
	require.NoError(t, err)
	m, err := manifest.ParseBytes(raw)
	require.NoError(t, err)
	require.NotNil(t, m.FindPath("dir/b.txt"))
	assert.Len(t, m.FindPath("a.txt").Hashes, 2)

	l, err = OpenFS(fsys, ManifestName, Options{})
	require.NoError(t, err)
	ok, err := l.AssertDirectoryVerifies("", VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRelativePath(t *testing.T) {
	top := filepath.Join("/repo", ManifestName)

	rel, err := RelativePath(top, "/repo")
	require.NoError(t, err)
	assert.Equal(t, "", rel)

	rel, err = RelativePath(top, "/repo/cat/pkg")
	require.NoError(t, err)
	assert.Equal(t, "cat/pkg", rel)

	_, err = RelativePath(top, "/elsewhere")
	var inv *manifest.InvalidPathError
	assert.ErrorAs(t, err, &inv)
}
