package ocidir

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/rpmoci/internal/layer"
	"github.com/microsoft/rpmoci/internal/manifest"
)

var testCreated = time.Unix(0, 0).UTC()

func testParts(t *testing.T) ImageParts {
	t.Helper()
	blob := []byte("pretend gzipped tar")
	desc := layer.Descriptor{
		Digest: digest.FromBytes(blob),
		DiffID: digest.FromString("uncompressed"),
		Size:   int64(len(blob)),
	}
	return ImageParts{
		Config: ImageConfig(&manifest.Manifest{}, desc.DiffID, testCreated),
		Layer:  desc,
		LayerBlob: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(blob)), nil
		},
	}
}

func writeImage(t *testing.T, dir string) {
	t.Helper()
	w := &Writer{Dir: dir, Tag: "mytag"}
	require.NoError(t, w.Write(context.Background(), testParts(t)))
}

func Test_Writer_LayoutVersionPinned(t *testing.T) {
	r := require.New(t)
	dir := filepath.Join(t.TempDir(), "out")
	writeImage(t, dir)

	data, err := os.ReadFile(filepath.Join(dir, "oci-layout"))
	r.NoError(err)
	r.Equal(`{"imageLayoutVersion":"1.0.0"}`, string(data))
}

func Test_Writer_IndexAnnotation(t *testing.T) {
	r := require.New(t)
	dir := filepath.Join(t.TempDir(), "out")
	writeImage(t, dir)

	data, err := os.ReadFile(filepath.Join(dir, "index.json"))
	r.NoError(err)
	var index ocispec.Index
	r.NoError(json.Unmarshal(data, &index))
	r.Len(index.Manifests, 1)
	r.Equal(ocispec.MediaTypeImageManifest, index.Manifests[0].MediaType)
	r.Equal("mytag", index.Manifests[0].Annotations[ocispec.AnnotationRefName])
}

func Test_Writer_BlobsAreContentAddressed(t *testing.T) {
	r := require.New(t)
	dir := filepath.Join(t.TempDir(), "out")
	writeImage(t, dir)

	blobDir := filepath.Join(dir, "blobs", "sha256")
	entries, err := os.ReadDir(blobDir)
	r.NoError(err)
	r.Len(entries, 3) // layer, config, manifest
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(blobDir, entry.Name()))
		r.NoError(err)
		r.Equal(entry.Name(), digest.FromBytes(data).Encoded())
	}
}

func Test_Writer_ManifestReferencesConfigAndLayer(t *testing.T) {
	r := require.New(t)
	dir := filepath.Join(t.TempDir(), "out")
	parts := testParts(t)
	w := &Writer{Dir: dir, Tag: "mytag"}
	r.NoError(w.Write(context.Background(), parts))

	var index ocispec.Index
	data, err := os.ReadFile(filepath.Join(dir, "index.json"))
	r.NoError(err)
	r.NoError(json.Unmarshal(data, &index))

	manifestPath := filepath.Join(dir, "blobs", "sha256", index.Manifests[0].Digest.Encoded())
	manifestData, err := os.ReadFile(manifestPath)
	r.NoError(err)
	var img ocispec.Manifest
	r.NoError(json.Unmarshal(manifestData, &img))

	r.Equal(ocispec.MediaTypeImageConfig, img.Config.MediaType)
	r.Len(img.Layers, 1)
	r.Equal(ocispec.MediaTypeImageLayerGzip, img.Layers[0].MediaType)
	r.Equal(parts.Layer.Digest, img.Layers[0].Digest)

	configData, err := os.ReadFile(filepath.Join(dir, "blobs", "sha256", img.Config.Digest.Encoded()))
	r.NoError(err)
	var config ocispec.Image
	r.NoError(json.Unmarshal(configData, &config))
	r.Equal("layers", config.RootFS.Type)
	r.Equal([]digest.Digest{parts.Layer.DiffID}, config.RootFS.DiffIDs)
	r.Equal("1970-01-01T00:00:00Z", config.Created.Format(time.RFC3339))
}

func Test_Writer_Determinism(t *testing.T) {
	r := require.New(t)
	first := filepath.Join(t.TempDir(), "a")
	second := filepath.Join(t.TempDir(), "b")
	writeImage(t, first)
	writeImage(t, second)

	a, err := os.ReadFile(filepath.Join(first, "index.json"))
	r.NoError(err)
	b, err := os.ReadFile(filepath.Join(second, "index.json"))
	r.NoError(err)
	r.Equal(a, b)
}

func Test_Writer_CleansUpOwnDirectoryOnFailure(t *testing.T) {
	r := require.New(t)
	dir := filepath.Join(t.TempDir(), "out")
	parts := testParts(t)
	parts.LayerBlob = func() (io.ReadCloser, error) {
		return nil, os.ErrPermission
	}
	w := &Writer{Dir: dir, Tag: "mytag"}
	r.Error(w.Write(context.Background(), parts))
	r.NoDirExists(dir)
}

func Test_ImageConfig(t *testing.T) {
	t.Run("PATH default", func(t *testing.T) {
		r := require.New(t)
		img := ImageConfig(&manifest.Manifest{}, digest.FromString("x"), testCreated)
		r.Equal([]string{"PATH=" + manifest.DefaultPath}, img.Config.Env)
	})

	t.Run("exposed ports default to tcp", func(t *testing.T) {
		r := require.New(t)
		m := &manifest.Manifest{Image: manifest.Image{ExposedPorts: []string{"53/udp", "8080"}}}
		img := ImageConfig(m, digest.FromString("x"), testCreated)
		r.Contains(img.Config.ExposedPorts, "53/udp")
		r.Contains(img.Config.ExposedPorts, "8080/tcp")
	})

	t.Run("fragment fields carried", func(t *testing.T) {
		r := require.New(t)
		m := &manifest.Manifest{Image: manifest.Image{
			Entrypoint: []string{"/usr/bin/tini", "--"},
			Cmd:        []string{"/bin/sh"},
			User:       "65534",
			WorkingDir: "/srv",
			StopSignal: "SIGTERM",
			Author:     "example",
			Labels:     map[string]string{"k": "v"},
		}}
		img := ImageConfig(m, digest.FromString("x"), testCreated)
		r.Equal([]string{"/usr/bin/tini", "--"}, img.Config.Entrypoint)
		r.Equal([]string{"/bin/sh"}, img.Config.Cmd)
		r.Equal("65534", img.Config.User)
		r.Equal("/srv", img.Config.WorkingDir)
		r.Equal("SIGTERM", img.Config.StopSignal)
		r.Equal("example", img.Author)
		r.Equal("v", img.Config.Labels["k"])
	})
}
