package ocidir

import (
	"runtime"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/microsoft/rpmoci/internal/manifest"
)

// createdBy is recorded in the single history entry of produced images.
const createdBy = "rpmoci"

// ImageConfig assembles the OCI image config from the manifest's image
// fragment, the layer diff-id, and the canonical build timestamp.
func ImageConfig(m *manifest.Manifest, diffID digest.Digest, created time.Time) ocispec.Image {
	created = created.UTC()
	img := ocispec.Image{
		Created: &created,
		Author:  m.Image.Author,
		Platform: ocispec.Platform{
			Architecture: runtime.GOARCH,
			OS:           "linux",
		},
		Config: ocispec.ImageConfig{
			User:       m.Image.User,
			Env:        m.EnvSlice(),
			Entrypoint: m.Image.Entrypoint,
			Cmd:        m.Image.Cmd,
			WorkingDir: m.Image.WorkingDir,
			Labels:     m.Image.Labels,
			StopSignal: m.Image.StopSignal,
		},
		RootFS: ocispec.RootFS{
			Type:    "layers",
			DiffIDs: []digest.Digest{diffID},
		},
		History: []ocispec.History{{
			Created:   &created,
			CreatedBy: createdBy,
		}},
	}
	if len(m.Image.ExposedPorts) > 0 {
		img.Config.ExposedPorts = make(map[string]struct{}, len(m.Image.ExposedPorts))
		for _, port := range m.Image.ExposedPorts {
			if !strings.Contains(port, "/") {
				port += "/tcp"
			}
			img.Config.ExposedPorts[port] = struct{}{}
		}
	}
	return img
}
