// Package ocidir writes the finished image as an OCI layout directory:
// oci-layout, index.json, and the content-addressed blobs for the config,
// the manifest, and the single compressed layer.
package ocidir

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	ocispecs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	slogcontext "github.com/veqryn/slog-context"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/oci"

	"github.com/microsoft/rpmoci/internal/hashio"
	"github.com/microsoft/rpmoci/internal/layer"
)

// layoutFile is the pinned oci-layout content. Some consumers validate
// against 1.0.0 exactly, so this must not track the spec version of the
// underlying library.
const layoutFile = `{"imageLayoutVersion":"1.0.0"}`

// ImageParts is everything the writer needs to emit an image.
type ImageParts struct {
	// Config is the assembled image config document.
	Config ocispec.Image
	// Layer identifies the compressed layer blob.
	Layer layer.Descriptor
	// LayerBlob opens the compressed layer stream; it may be called once.
	LayerBlob func() (io.ReadCloser, error)
}

// Writer emits OCI layouts.
type Writer struct {
	// Dir is the layout directory; created when absent.
	Dir string
	// Tag becomes the org.opencontainers.image.ref.name annotation of the
	// manifest descriptor in index.json.
	Tag string
}

// Write stores the layer, config, and manifest blobs and tags the manifest.
// On failure a directory the writer itself created is removed again so no
// partial layout survives.
func (w *Writer) Write(ctx context.Context, parts ImageParts) (err error) {
	createdDir := false
	if _, statErr := os.Stat(w.Dir); errors.Is(statErr, os.ErrNotExist) {
		createdDir = true
	}
	defer func() {
		if err != nil && createdDir {
			err = errors.Join(err, os.RemoveAll(w.Dir))
		}
	}()

	store, err := oci.NewWithContext(ctx, w.Dir)
	if err != nil {
		return fmt.Errorf("unable to open oci layout %s: %w", w.Dir, err)
	}

	layerDesc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageLayerGzip,
		Digest:    parts.Layer.Digest,
		Size:      parts.Layer.Size,
	}
	if err := w.pushLayer(ctx, store, layerDesc, parts.LayerBlob); err != nil {
		return err
	}

	configBytes, _, err := hashio.MarshalCanonical(parts.Config)
	if err != nil {
		return fmt.Errorf("unable to serialize image config: %w", err)
	}
	configDesc := content.NewDescriptorFromBytes(ocispec.MediaTypeImageConfig, configBytes)
	if err := pushBytes(ctx, store, configDesc, configBytes); err != nil {
		return fmt.Errorf("unable to store image config: %w", err)
	}

	imageManifest := ocispec.Manifest{
		Versioned: ocispecs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    configDesc,
		Layers:    []ocispec.Descriptor{layerDesc},
	}
	manifestBytes, _, err := hashio.MarshalCanonical(imageManifest)
	if err != nil {
		return fmt.Errorf("unable to serialize image manifest: %w", err)
	}
	manifestDesc := content.NewDescriptorFromBytes(ocispec.MediaTypeImageManifest, manifestBytes)
	manifestDesc.Annotations = map[string]string{ocispec.AnnotationRefName: w.Tag}
	if err := pushBytes(ctx, store, manifestDesc, manifestBytes); err != nil {
		return fmt.Errorf("unable to store image manifest: %w", err)
	}
	if err := store.Tag(ctx, manifestDesc, w.Tag); err != nil {
		return fmt.Errorf("unable to tag image manifest: %w", err)
	}

	// The store writes the library's current layout version; pin it.
	if err := os.WriteFile(filepath.Join(w.Dir, ocispec.ImageLayoutFile), []byte(layoutFile), 0o644); err != nil {
		return fmt.Errorf("unable to pin oci-layout: %w", err)
	}

	slogcontext.FromCtx(ctx).Info("wrote oci image",
		slog.String("dir", w.Dir),
		slog.String("tag", w.Tag),
		slog.String("digest", manifestDesc.Digest.String()),
	)
	return nil
}

func (w *Writer) pushLayer(ctx context.Context, store *oci.Store, desc ocispec.Descriptor, open func() (io.ReadCloser, error)) (err error) {
	exists, err := store.Exists(ctx, desc)
	if err != nil {
		return fmt.Errorf("unable to probe layer blob: %w", err)
	}
	if exists {
		return nil
	}
	blob, err := open()
	if err != nil {
		return fmt.Errorf("unable to open layer blob: %w", err)
	}
	defer func() {
		err = errors.Join(err, blob.Close())
	}()
	if err := store.Push(ctx, desc, blob); err != nil {
		return fmt.Errorf("unable to store layer blob: %w", err)
	}
	return nil
}

func pushBytes(ctx context.Context, store *oci.Store, desc ocispec.Descriptor, data []byte) error {
	exists, err := store.Exists(ctx, desc)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return store.Push(ctx, desc, bytes.NewReader(data))
}
