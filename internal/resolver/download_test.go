package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/rpmoci/internal/lockfile"
	"github.com/microsoft/rpmoci/internal/manifest"
	"github.com/microsoft/rpmoci/internal/rpmrepo"
)

func Test_Downloader(t *testing.T) {
	content := []byte("fake rpm payload")
	hex := digest.FromBytes(content).Encoded()

	t.Run("fetches into content-addressed names", func(t *testing.T) {
		r := require.New(t)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			_, _ = w.Write(content)
		}))
		defer server.Close()

		dl := NewDownloader(nil, nil)
		set := &ResolvedSet{Packages: []lockfile.Package{{
			Name: "tini", EVR: "1-1", Arch: "x86_64",
			URL:      server.URL + "/tini.rpm",
			Checksum: lockfile.Checksum{Type: "sha256", Hex: hex},
			GPGCheck: false,
		}}}
		dir := t.TempDir()
		r.NoError(dl.Download(context.Background(), set, dir))
		data, err := os.ReadFile(filepath.Join(dir, hex+".rpm"))
		r.NoError(err)
		r.Equal(content, data)
	})

	t.Run("checksum mismatch fails the build", func(t *testing.T) {
		r := require.New(t)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			_, _ = w.Write([]byte("tampered payload"))
		}))
		defer server.Close()

		dl := NewDownloader(nil, nil)
		set := &ResolvedSet{Packages: []lockfile.Package{{
			Name: "tini", EVR: "1-1", Arch: "x86_64",
			URL:      server.URL + "/tini.rpm",
			Checksum: lockfile.Checksum{Type: "sha256", Hex: hex},
			GPGCheck: false,
		}}}
		err := dl.Download(context.Background(), set, t.TempDir())
		r.Error(err)
		r.ErrorContains(err, "checksum mismatch")
	})

	t.Run("present intact files are not refetched", func(t *testing.T) {
		r := require.New(t)
		var hits int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			hits++
			_, _ = w.Write(content)
		}))
		defer server.Close()

		dir := t.TempDir()
		r.NoError(os.WriteFile(filepath.Join(dir, hex+".rpm"), content, 0o644))

		dl := NewDownloader(nil, nil)
		set := &ResolvedSet{Packages: []lockfile.Package{{
			Name: "tini", EVR: "1-1", Arch: "x86_64",
			URL:      server.URL + "/tini.rpm",
			Checksum: lockfile.Checksum{Type: "sha256", Hex: hex},
			GPGCheck: false,
		}}}
		r.NoError(dl.Download(context.Background(), set, dir))
		r.Zero(hits)
	})

	t.Run("basic auth header from repository handle", func(t *testing.T) {
		r := require.New(t)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			user, pass, ok := req.BasicAuth()
			if !ok || user != "user" || pass != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write(content)
		}))
		defer server.Close()

		t.Setenv("RPMOCI_AUTHED_HTTP_USERNAME", "user")
		t.Setenv("RPMOCI_AUTHED_HTTP_PASSWORD", "secret")
		repos, err := rpmrepo.Normalize([]manifest.Repository{{ID: "authed", URL: server.URL}})
		r.NoError(err)

		dl := NewDownloader(repos, nil)
		set := &ResolvedSet{Packages: []lockfile.Package{{
			Name: "tini", EVR: "1-1", Arch: "x86_64", RepoID: "authed",
			URL:      server.URL + "/tini.rpm",
			Checksum: lockfile.Checksum{Type: "sha256", Hex: hex},
			GPGCheck: false,
		}}}
		r.NoError(dl.Download(context.Background(), set, t.TempDir()))
	})

	t.Run("missing url and missing file is an error", func(t *testing.T) {
		r := require.New(t)
		dl := NewDownloader(nil, nil)
		set := &ResolvedSet{Packages: []lockfile.Package{{
			Name: "tini", EVR: "1-1", Arch: "x86_64",
			Checksum: lockfile.Checksum{Type: "sha256", Hex: hex},
		}}}
		err := dl.Download(context.Background(), set, t.TempDir())
		r.Error(err)
		r.ErrorContains(err, "no url")
	})
}
