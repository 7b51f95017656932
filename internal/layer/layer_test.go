package layer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nlepage/go-tarfs"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

var buildEpoch = time.Unix(0, 0).UTC()

// buildTestRoot creates a small installroot-shaped tree:
//
//	bin/tool        regular file
//	bin/tool2       hardlink to bin/tool
//	etc/os-release  regular file
//	usr/            directory
//	usr/lib64       symlink to usr/lib
func buildTestRoot(t *testing.T) string {
	t.Helper()
	r := require.New(t)
	root := t.TempDir()
	r.NoError(os.MkdirAll(filepath.Join(root, "bin"), 0o755))
	r.NoError(os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	r.NoError(os.MkdirAll(filepath.Join(root, "usr"), 0o755))
	r.NoError(os.WriteFile(filepath.Join(root, "bin", "tool"), []byte("#!/bin/true\n"), 0o755))
	r.NoError(os.Link(filepath.Join(root, "bin", "tool"), filepath.Join(root, "bin", "tool2")))
	r.NoError(os.WriteFile(filepath.Join(root, "etc", "os-release"), []byte("NAME=test\n"), 0o644))
	r.NoError(os.Symlink("usr/lib", filepath.Join(root, "usr", "lib64")))
	return root
}

func buildLayer(t *testing.T, root string) (Descriptor, []byte) {
	t.Helper()
	var buf bytes.Buffer
	desc, err := Build(context.Background(), root, Options{MTime: buildEpoch, Out: &buf})
	require.NoError(t, err)
	return desc, buf.Bytes()
}

func readEntries(t *testing.T, compressed []byte) []*tar.Header {
	t.Helper()
	r := require.New(t)
	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	r.NoError(err)
	reader := tar.NewReader(gz)
	var headers []*tar.Header
	for {
		hdr, err := reader.Next()
		if err == io.EOF {
			break
		}
		r.NoError(err)
		headers = append(headers, hdr)
	}
	return headers
}

func Test_Build_Ordering(t *testing.T) {
	r := require.New(t)
	_, blob := buildLayer(t, buildTestRoot(t))

	var names []string
	for _, hdr := range readEntries(t, blob) {
		names = append(names, hdr.Name)
	}
	r.Equal([]string{
		"bin/",
		"bin/tool",
		"bin/tool2",
		"etc/",
		"etc/os-release",
		"usr/",
		"usr/lib64",
	}, names)
}

func Test_Build_Determinism(t *testing.T) {
	r := require.New(t)
	root := buildTestRoot(t)
	first, firstBlob := buildLayer(t, root)
	second, secondBlob := buildLayer(t, root)

	r.Equal(first, second)
	r.Equal(firstBlob, secondBlob)

	// a separately created identical tree produces identical digests too
	third, _ := buildLayer(t, buildTestRoot(t))
	r.Equal(first.Digest, third.Digest)
	r.Equal(first.DiffID, third.DiffID)
}

func Test_Build_Digests(t *testing.T) {
	r := require.New(t)
	desc, blob := buildLayer(t, buildTestRoot(t))

	r.Equal(digest.FromBytes(blob), desc.Digest)
	r.Equal(int64(len(blob)), desc.Size)

	gz, err := gzip.NewReader(bytes.NewReader(blob))
	r.NoError(err)
	uncompressed, err := io.ReadAll(gz)
	r.NoError(err)
	r.Equal(digest.FromBytes(uncompressed), desc.DiffID)
}

func Test_Build_Hardlinks(t *testing.T) {
	r := require.New(t)
	_, blob := buildLayer(t, buildTestRoot(t))

	byName := map[string]*tar.Header{}
	for _, hdr := range readEntries(t, blob) {
		byName[hdr.Name] = hdr
	}

	first := byName["bin/tool"]
	r.Equal(byte(tar.TypeReg), first.Typeflag)
	r.Equal(int64(len("#!/bin/true\n")), first.Size)

	second := byName["bin/tool2"]
	r.Equal(byte(tar.TypeLink), second.Typeflag)
	r.Equal("bin/tool", second.Linkname)
	r.Zero(second.Size)
}

func Test_Build_Metadata(t *testing.T) {
	r := require.New(t)
	_, blob := buildLayer(t, buildTestRoot(t))

	for _, hdr := range readEntries(t, blob) {
		r.Equal(buildEpoch, hdr.ModTime.UTC(), hdr.Name)
		r.True(hdr.AccessTime.IsZero(), hdr.Name)
		r.True(hdr.ChangeTime.IsZero(), hdr.Name)
		r.Empty(hdr.Uname, hdr.Name)
		r.Empty(hdr.Gname, hdr.Name)
		r.Equal(os.Getuid(), hdr.Uid, hdr.Name)
		r.Equal(os.Getgid(), hdr.Gid, hdr.Name)
	}
}

func Test_Build_Symlink(t *testing.T) {
	r := require.New(t)
	_, blob := buildLayer(t, buildTestRoot(t))
	for _, hdr := range readEntries(t, blob) {
		if hdr.Name == "usr/lib64" {
			r.Equal(byte(tar.TypeSymlink), hdr.Typeflag)
			r.Equal("usr/lib", hdr.Linkname)
			return
		}
	}
	t.Fatal("symlink entry missing")
}

func Test_Build_GzipHeaderIsNeutral(t *testing.T) {
	r := require.New(t)
	_, blob := buildLayer(t, buildTestRoot(t))

	gz, err := gzip.NewReader(bytes.NewReader(blob))
	r.NoError(err)
	r.True(gz.ModTime.IsZero() || gz.ModTime.Equal(time.Unix(0, 0)))
	r.Empty(gz.Name)
}

func Test_Build_ReadBackAsFilesystem(t *testing.T) {
	r := require.New(t)
	_, blob := buildLayer(t, buildTestRoot(t))

	gz, err := gzip.NewReader(bytes.NewReader(blob))
	r.NoError(err)
	uncompressed, err := io.ReadAll(gz)
	r.NoError(err)

	tfs, err := tarfs.New(bytes.NewReader(uncompressed))
	r.NoError(err)
	f, err := tfs.Open("etc/os-release")
	r.NoError(err)
	defer f.Close()
	data, err := io.ReadAll(f)
	r.NoError(err)
	r.Equal("NAME=test\n", string(data))
}
