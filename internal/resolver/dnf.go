package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	slogcontext "github.com/veqryn/slog-context"

	"github.com/microsoft/rpmoci/internal/lockfile"
	"github.com/microsoft/rpmoci/internal/manifest"
	"github.com/microsoft/rpmoci/internal/rpmrepo"
)

// DefaultHelper is the dnf helper binary the adapter invokes. It can be
// overridden through EnvHelper for test and packaging setups.
const (
	DefaultHelper = "rpmoci-dnf-helper"
	EnvHelper     = "RPMOCI_DNF_HELPER"
)

// osReleaseProvide is the synthetic requirement appended when the manifest
// enables contents.os_release.
const osReleaseProvide = "/etc/os-release"

// DNF resolves and installs through the external dnf helper subprocess.
type DNF struct {
	// Repos are the normalized repository handles, credentials included.
	Repos []rpmrepo.Handle
	// KeyPaths are the on-disk GPG key files for the helper.
	KeyPaths []string
	// Helper overrides the helper binary; empty means EnvHelper or
	// DefaultHelper.
	Helper string
	// ManifestDir anchors relative local package paths.
	ManifestDir string
}

var _ Resolver = (*DNF)(nil)

// request is the JSON document written to the helper's stdin.
type request struct {
	Op              string       `json:"op"`
	Repositories    []repository `json:"repositories"`
	GPGKeys         []string     `json:"gpgkeys,omitempty"`
	Packages        []string     `json:"packages,omitempty"`
	LocalPackages   []string     `json:"local_packages,omitempty"`
	Pinned          []pinned     `json:"pinned,omitempty"`
	Installroot     string       `json:"installroot,omitempty"`
	RPMDir          string       `json:"rpm_dir,omitempty"`
	InstallWeakDeps bool         `json:"install_weak_deps"`
}

type repository struct {
	ID       string            `json:"id"`
	URL      string            `json:"url,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
}

type pinned struct {
	Name     string `json:"name"`
	EVR      string `json:"evr"`
	Arch     string `json:"arch"`
	Checksum string `json:"checksum"`
}

// response is the JSON document read from the helper's stdout.
type response struct {
	Packages []responsePackage `json:"packages,omitempty"`
	DocPaths []string          `json:"doc_paths,omitempty"`
	Error    string            `json:"error,omitempty"`
}

type responsePackage struct {
	Name           string   `json:"name"`
	EVR            string   `json:"evr"`
	Arch           string   `json:"arch"`
	RepoID         string   `json:"repo_id"`
	RemoteLocation string   `json:"remote_location"`
	ChecksumType   string   `json:"checksum_type"`
	ChecksumHex    string   `json:"checksum_hex"`
	Signature      string   `json:"signature,omitempty"` // base64
	Requires       []string `json:"requires,omitempty"`
}

// Resolve implements Resolver. Only the named repositories are enabled; all
// host-configured repositories are suppressed by the helper.
func (d *DNF) Resolve(ctx context.Context, m *manifest.Manifest) (*ResolvedSet, error) {
	specs := m.RemotePackages()
	if m.Contents.OSRelease {
		specs = append(specs, osReleaseProvide)
	}
	req := &request{
		Op:           "resolve",
		Repositories: d.repositories(),
		GPGKeys:      d.KeyPaths,
		Packages:     specs,
	}
	for _, path := range m.LocalPackages() {
		req.LocalPackages = append(req.LocalPackages, resolveLocalPath(d.ManifestDir, path))
	}
	resp, err := d.run(ctx, req)
	if err != nil {
		return nil, err
	}

	gpgExempt := make(map[string]bool, len(d.Repos))
	for _, repo := range d.Repos {
		gpgExempt[repo.ID] = !repo.GPGCheck()
	}

	set := &ResolvedSet{Requires: make(map[string][]string, len(resp.Packages))}
	seen := make(map[string]struct{}, len(resp.Packages))
	for _, pkg := range resp.Packages {
		entry := lockfile.Package{
			Name:      pkg.Name,
			EVR:       pkg.EVR,
			Arch:      pkg.Arch,
			RepoID:    pkg.RepoID,
			URL:       pkg.RemoteLocation,
			Checksum:  lockfile.Checksum{Type: pkg.ChecksumType, Hex: pkg.ChecksumHex},
			Signature: pkg.Signature,
			GPGCheck:  !gpgExempt[pkg.RepoID],
		}
		nevra := entry.NEVRA()
		if _, dup := seen[nevra]; dup {
			return nil, fmt.Errorf("solver reported %s twice", nevra)
		}
		seen[nevra] = struct{}{}
		set.Packages = append(set.Packages, entry)
		set.Requires[nevra] = filterRpmlib(pkg.Requires)
	}

	for _, path := range m.LocalPackages() {
		checksum, err := checksumFile(resolveLocalPath(d.ManifestDir, path))
		if err != nil {
			return nil, fmt.Errorf("unable to pin local package %s: %w", path, err)
		}
		set.LocalPackages = append(set.LocalPackages, lockfile.LocalPackage{Path: path, Checksum: checksum})
	}

	slogcontext.FromCtx(ctx).Debug("resolution complete",
		slog.Int("packages", len(set.Packages)),
		slog.Int("local_packages", len(set.LocalPackages)),
	)
	return set, nil
}

// Install implements Resolver. The helper installs from the verified files
// in rpmdir only, with installroot as the package-database root and weak
// dependencies disabled.
func (d *DNF) Install(ctx context.Context, set *ResolvedSet, installroot, rpmdir string) (*InstallReport, error) {
	req := &request{
		Op:           "install",
		Repositories: d.repositories(),
		GPGKeys:      d.KeyPaths,
		Installroot:  installroot,
		RPMDir:       rpmdir,
	}
	for _, pkg := range set.Packages {
		req.Pinned = append(req.Pinned, pinned{
			Name:     pkg.Name,
			EVR:      pkg.EVR,
			Arch:     pkg.Arch,
			Checksum: pkg.Checksum.Hex,
		})
	}
	for _, local := range set.LocalPackages {
		req.LocalPackages = append(req.LocalPackages, resolveLocalPath(d.ManifestDir, local.Path))
	}
	resp, err := d.run(ctx, req)
	if err != nil {
		return nil, err
	}
	return &InstallReport{DocPaths: resp.DocPaths}, nil
}

func (d *DNF) repositories() []repository {
	repos := make([]repository, 0, len(d.Repos))
	for _, h := range d.Repos {
		repos = append(repos, repository{
			ID:       h.ID,
			URL:      h.URL,
			Options:  h.Options,
			Username: h.Username,
			Password: h.Password,
		})
	}
	return repos
}

func (d *DNF) helper() string {
	if d.Helper != "" {
		return d.Helper
	}
	if env := os.Getenv(EnvHelper); env != "" {
		return env
	}
	return DefaultHelper
}

// run executes one helper invocation: request on stdin, response on stdout,
// stderr passed through for the solver's own diagnostics.
func (d *DNF) run(ctx context.Context, req *request) (*response, error) {
	serialized, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal solver request: %w", err)
	}

	output := bytes.NewBuffer(nil)
	cmd := exec.CommandContext(ctx, d.helper())
	cmd.Stdin = bytes.NewReader(serialized)
	cmd.Stdout = output
	cmd.Stderr = os.Stderr

	slogcontext.FromCtx(ctx).Debug("invoking package manager helper",
		slog.String("helper", d.helper()),
		slog.String("op", req.Op),
	)
	if err := cmd.Run(); err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return nil, fmt.Errorf("%w: %s exited with %d", ErrHelperFailed, d.helper(), exit.ExitCode())
		}
		return nil, fmt.Errorf("%w: %v", ErrHelperFailed, err)
	}

	resp := &response{}
	if err := json.Unmarshal(output.Bytes(), resp); err != nil {
		return nil, fmt.Errorf("%w: invalid response: %v", ErrHelperFailed, err)
	}
	if resp.Error != "" {
		if strings.Contains(resp.Error, "unsolvable") || strings.Contains(resp.Error, "nothing provides") {
			return nil, fmt.Errorf("%w: %s", ErrUnsolvable, resp.Error)
		}
		return nil, fmt.Errorf("%w: %s", ErrHelperFailed, resp.Error)
	}
	return resp, nil
}

func checksumFile(path string) (lockfile.Checksum, error) {
	f, err := os.Open(path)
	if err != nil {
		return lockfile.Checksum{}, err
	}
	defer f.Close()
	dig, err := digest.FromReader(f)
	if err != nil {
		return lockfile.Checksum{}, err
	}
	return lockfile.Checksum{Type: string(dig.Algorithm()), Hex: dig.Encoded()}, nil
}

// resolveLocalPath anchors a relative local package path at the manifest
// directory.
func resolveLocalPath(manifestDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(manifestDir, path)
}
