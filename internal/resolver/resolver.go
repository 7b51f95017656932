// Package resolver is the adapter between rpmoci and the external package
// manager. The solver is invoked as a subprocess speaking JSON on
// stdin/stdout; nothing above this package sees solver internals.
package resolver

import (
	"context"
	"errors"
	"strings"

	"github.com/microsoft/rpmoci/internal/lockfile"
	"github.com/microsoft/rpmoci/internal/manifest"
)

var (
	// ErrUnsolvable marks a dependency set the solver could not satisfy.
	ErrUnsolvable = errors.New("package set is unsolvable")
	// ErrHelperFailed marks a solver subprocess failure.
	ErrHelperFailed = errors.New("package manager helper failed")
)

// ResolvedSet is the totally ordered outcome of a resolution. The package
// order is the solver's install order and is preserved into the lockfile.
type ResolvedSet struct {
	Packages      []lockfile.Package
	LocalPackages []lockfile.LocalPackage
	// Requires maps each package NEVRA to its dependency capabilities as
	// reported by the solver, with rpmlib() synthetics already removed.
	// It never leaves this process; the lockfile does not carry it.
	Requires map[string][]string
}

// InstallReport is what an installation leaves behind for the later build
// stages.
type InstallReport struct {
	// DocPaths are the paths (relative to the installroot) the package
	// database marks as documentation.
	DocPaths []string
}

// Resolver is the capability contract with the external solver.
type Resolver interface {
	// Resolve turns the manifest into a pinned package set. No side effects
	// beyond temporary caches.
	Resolve(ctx context.Context, m *manifest.Manifest) (*ResolvedSet, error)
	// Install installs exactly the resolved set into installroot, using the
	// pre-downloaded, verified RPM files in rpmdir. No weak dependencies,
	// no network.
	Install(ctx context.Context, set *ResolvedSet, installroot, rpmdir string) (*InstallReport, error)
}

// FromLockfile rebuilds a ResolvedSet from a pinned lockfile, for builds
// that skip resolution entirely.
func FromLockfile(l *lockfile.Lockfile) *ResolvedSet {
	return &ResolvedSet{
		Packages:      l.Packages,
		LocalPackages: l.LocalPackages,
	}
}

// Lockfile renders the set as a lockfile for the given manifest.
func (s *ResolvedSet) Lockfile(m *manifest.Manifest) *lockfile.Lockfile {
	return &lockfile.Lockfile{
		Version:       lockfile.SchemaVersion,
		Fingerprint:   lockfile.Fingerprint(m),
		Packages:      s.Packages,
		LocalPackages: s.LocalPackages,
		GPGKeys:       m.Contents.GPGKeys,
	}
}

// filterRpmlib drops the solver's rpmlib() synthetic capabilities, which
// describe the package manager itself rather than installable packages.
func filterRpmlib(requires []string) []string {
	filtered := requires[:0]
	for _, req := range requires {
		if strings.HasPrefix(req, "rpmlib(") {
			continue
		}
		filtered = append(filtered, req)
	}
	return filtered
}
