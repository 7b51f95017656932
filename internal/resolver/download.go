package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/ProtonMail/go-crypto/openpgp"
	slogcontext "github.com/veqryn/slog-context"
	"golang.org/x/sync/errgroup"

	"github.com/microsoft/rpmoci/internal/lockfile"
	"github.com/microsoft/rpmoci/internal/rpmrepo"
	"github.com/microsoft/rpmoci/internal/rpmsig"
)

// downloadConcurrency bounds parallel fetches. The files are independent
// and content-addressed, so concurrency cannot affect the build output.
const downloadConcurrency = 4

// Downloader fetches the resolved packages over HTTP into a directory of
// content-addressed files named <sha256hex>.rpm, verifying checksums and
// signatures as they land.
type Downloader struct {
	// Repos indexes the normalized handles by id for credential lookup.
	Repos map[string]rpmrepo.Handle
	// Ring verifies package signatures; packages from gpgcheck=false
	// repositories are exempt.
	Ring openpgp.EntityList
	// Client defaults to http.DefaultClient.
	Client *http.Client
}

// NewDownloader builds a Downloader over the normalized repository handles.
func NewDownloader(repos []rpmrepo.Handle, ring openpgp.EntityList) *Downloader {
	byID := make(map[string]rpmrepo.Handle, len(repos))
	for _, h := range repos {
		byID[h.ID] = h
	}
	return &Downloader{Repos: byID, Ring: ring}
}

// Download ensures every remote package of the set exists in dir under its
// content-addressed name. Already present, intact files are not re-fetched,
// which is what lets a vendor directory satisfy an offline build.
func (dl *Downloader) Download(ctx context.Context, set *ResolvedSet, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("unable to create download directory: %w", err)
	}
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(downloadConcurrency)
	for _, pkg := range set.Packages {
		group.Go(func() error {
			return dl.fetch(ctx, pkg, dir)
		})
	}
	return group.Wait()
}

func (dl *Downloader) fetch(ctx context.Context, pkg lockfile.Package, dir string) (err error) {
	dest := filepath.Join(dir, pkg.Checksum.Hex+".rpm")
	logger := slogcontext.FromCtx(ctx).With(slog.String("package", pkg.NEVRA()))

	if _, statErr := os.Stat(dest); statErr == nil {
		if err := rpmsig.VerifyChecksum(dest, pkg.Checksum); err == nil {
			logger.Debug("package already present", slog.String("path", dest))
			return dl.verifySignature(dest, pkg)
		}
		// corrupt leftover, refetch
		if err := os.Remove(dest); err != nil {
			return fmt.Errorf("unable to remove corrupt download %s: %w", dest, err)
		}
	}

	if pkg.URL == "" {
		return fmt.Errorf("package %s has no url and is missing from %s", pkg.NEVRA(), dir)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pkg.URL, nil)
	if err != nil {
		return fmt.Errorf("unable to request %s: %w", pkg.URL, err)
	}
	if handle, ok := dl.Repos[pkg.RepoID]; ok && handle.Username != "" {
		req.SetBasicAuth(handle.Username, handle.Password)
	}
	client := dl.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("unable to download %s: %w", pkg.NEVRA(), err)
	}
	defer func() {
		err = errors.Join(err, resp.Body.Close())
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unable to download %s: unexpected status %s", pkg.NEVRA(), resp.Status)
	}

	tmp, err := os.CreateTemp(dir, ".rpm-*")
	if err != nil {
		return fmt.Errorf("unable to create download file: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, os.Remove(tmp.Name()))
		}
	}()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		err = errors.Join(err, tmp.Close())
		return fmt.Errorf("unable to write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := rpmsig.VerifyChecksum(tmp.Name(), pkg.Checksum); err != nil {
		return fmt.Errorf("download of %s: %w", pkg.NEVRA(), err)
	}
	if err := dl.verifySignature(tmp.Name(), pkg); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("unable to place %s: %w", dest, err)
	}
	logger.Debug("downloaded package", slog.String("path", dest))
	return nil
}

func (dl *Downloader) verifySignature(path string, pkg lockfile.Package) error {
	if !pkg.GPGCheck {
		return nil
	}
	if err := rpmsig.Verify(path, dl.Ring); err != nil {
		return fmt.Errorf("package %s: %w", pkg.NEVRA(), err)
	}
	return nil
}
