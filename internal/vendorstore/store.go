// Package vendorstore implements the persistent content-addressed directory
// of downloaded RPMs that lets builds run without network access.
package vendorstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/microsoft/rpmoci/internal/lockfile"
	"github.com/microsoft/rpmoci/internal/resolver"
)

// Suffix is the file extension of every store entry. Entries are named
// <sha256hex>.rpm and their content hashes to the name.
const Suffix = ".rpm"

// Store is a vendor directory handle.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir, creating it when absent.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create vendor directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store root.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the store path of a checksum, whether or not it exists.
func (s *Store) Path(c lockfile.Checksum) string {
	return filepath.Join(s.dir, c.Hex+Suffix)
}

// Has reports whether the entry for c exists.
func (s *Store) Has(c lockfile.Checksum) bool {
	_, err := os.Stat(s.Path(c))
	return err == nil
}

// Put streams content into the store and returns its digest. The entry is
// written to a temporary file and renamed so readers never observe partial
// content.
func (s *Store) Put(r io.Reader) (_ digest.Digest, err error) {
	tmp, err := os.CreateTemp(s.dir, ".vendor-*")
	if err != nil {
		return "", fmt.Errorf("unable to create vendor entry: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, os.Remove(tmp.Name()))
		}
	}()

	digester := digest.Canonical.Digester()
	if _, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), r); err != nil {
		err = errors.Join(err, tmp.Close())
		return "", fmt.Errorf("unable to write vendor entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	dig := digester.Digest()
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, dig.Encoded()+Suffix)); err != nil {
		return "", fmt.Errorf("unable to place vendor entry: %w", err)
	}
	return dig, nil
}

// Ensure makes every remote package of the set present in the store,
// downloading the missing ones.
func (s *Store) Ensure(ctx context.Context, set *resolver.ResolvedSet, dl *resolver.Downloader) error {
	return dl.Download(ctx, set, s.dir)
}

// Missing returns the packages of the set that are not in the store.
func (s *Store) Missing(set *resolver.ResolvedSet) []lockfile.Package {
	var missing []lockfile.Package
	for _, pkg := range set.Packages {
		if !s.Has(pkg.Checksum) {
			missing = append(missing, pkg)
		}
	}
	return missing
}

// Verify walks the store and checks that every entry hashes to its name.
// Corrupt or foreign files are reported together.
func (s *Store) Verify() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("unable to list vendor directory: %w", err)
	}
	var errs error
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), Suffix) {
			continue
		}
		hex := strings.TrimSuffix(entry.Name(), Suffix)
		want := digest.NewDigestFromEncoded(digest.Canonical, hex)
		if err := want.Validate(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("foreign file %s in vendor directory", entry.Name()))
			continue
		}
		got, err := digestFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if got != want {
			errs = errors.Join(errs, fmt.Errorf("vendor entry %s is corrupt: content hashes to %s", entry.Name(), got.Encoded()))
		}
	}
	return errs
}

func digestFile(path string) (_ digest.Digest, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	return digest.FromReader(f)
}
