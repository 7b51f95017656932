// Package lockfile implements the pinned resolution output: the TOML
// document enumerating every resolved package with its checksum and
// signature, sufficient to reproduce a build without re-resolving.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/opencontainers/go-digest"
)

// SchemaVersion is the only lockfile schema this implementation reads or
// writes.
const SchemaVersion = 1

// DefaultName is the lockfile name derived from a manifest path.
const DefaultName = "rpmoci.lock"

var ErrSchemaVersionMismatch = fmt.Errorf("lockfile schema version mismatch, only %v is supported", SchemaVersion)

// Checksum pins the content of a package file.
type Checksum struct {
	Type string `toml:"type"`
	Hex  string `toml:"hex"`
}

// Digest converts the checksum into an OCI digest value.
func (c Checksum) Digest() (digest.Digest, error) {
	d := digest.NewDigestFromEncoded(digest.Algorithm(c.Type), c.Hex)
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("invalid %s checksum %q: %w", c.Type, c.Hex, err)
	}
	return d, nil
}

// Package is one resolved package. Entries are keyed uniquely by
// (Name, EVR, Arch) and ordered by the resolver's install order.
type Package struct {
	Name      string   `toml:"name"`
	EVR       string   `toml:"evr"`
	Arch      string   `toml:"arch"`
	RepoID    string   `toml:"repo_id,omitempty"`
	URL       string   `toml:"url,omitempty"`
	Checksum  Checksum `toml:"checksum"`
	Signature string   `toml:"signature,omitempty"` // base64 of the detached header signature
	GPGCheck  bool     `toml:"gpgcheck"`
}

// NEVRA renders the canonical name-evr.arch form.
func (p Package) NEVRA() string {
	return fmt.Sprintf("%s-%s.%s", p.Name, p.EVR, p.Arch)
}

// LocalPackage pins a package supplied as a local file.
type LocalPackage struct {
	Path     string   `toml:"path"`
	Checksum Checksum `toml:"checksum"`
}

// Lockfile is the root document.
type Lockfile struct {
	Version       int            `toml:"version"`
	Fingerprint   string         `toml:"fingerprint"`
	Packages      []Package      `toml:"packages"`
	LocalPackages []LocalPackage `toml:"local_packages,omitempty"`
	GPGKeys       []string       `toml:"gpgkeys,omitempty"`
}

// PathFor derives the lockfile path next to a manifest.
func PathFor(manifestPath string) string {
	return filepath.Join(filepath.Dir(manifestPath), DefaultName)
}

// Load reads a lockfile. A missing file is reported via fs.ErrNotExist so
// callers can distinguish "absent" from "broken".
func Load(path string) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	l := &Lockfile{}
	if _, err := toml.Decode(string(data), l); err != nil {
		return nil, fmt.Errorf("unable to parse lockfile %s: %w", path, err)
	}
	if l.Version != SchemaVersion {
		return nil, ErrSchemaVersionMismatch
	}
	for i, pkg := range l.Packages {
		if pkg.URL == "" && pkg.RepoID == "" {
			return nil, fmt.Errorf("lockfile %s: package %s has neither a url nor a repository", path, l.Packages[i].NEVRA())
		}
	}
	return l, nil
}

// Write serializes the lockfile with stable key order (struct field order)
// so that diffs stay reviewable, and replaces path atomically.
func (l *Lockfile) Write(path string) (err error) {
	l.Version = SchemaVersion
	tmp, err := os.CreateTemp(filepath.Dir(path), ".rpmoci.lock-*")
	if err != nil {
		return fmt.Errorf("unable to create lockfile: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, os.Remove(tmp.Name()))
		}
	}()
	encoder := toml.NewEncoder(tmp)
	encoder.Indent = ""
	if err := encoder.Encode(l); err != nil {
		err = errors.Join(err, tmp.Close())
		return fmt.Errorf("unable to encode lockfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("unable to close lockfile: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("unable to replace lockfile %s: %w", path, err)
	}
	return nil
}
