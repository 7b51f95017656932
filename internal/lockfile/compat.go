package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/microsoft/rpmoci/internal/manifest"
)

// IncompatibilityError reports why a lockfile no longer matches its
// manifest, naming the specific package or flag that drifted.
type IncompatibilityError struct {
	Reason string
}

func (e *IncompatibilityError) Error() string {
	return "lockfile is incompatible with manifest: " + e.Reason
}

func incompatible(format string, args ...any) *IncompatibilityError {
	return &IncompatibilityError{Reason: fmt.Sprintf(format, args...)}
}

// Compatible reports whether the lockfile can satisfy the manifest without
// re-resolving. manifestDir anchors relative local-package paths.
//
// A fingerprint match short-circuits the structural checks, which only run
// to name the drift of a mismatched fingerprint. After a match, local
// package checksums are still verified because they pin file contents,
// which the fingerprint cannot see.
func (l *Lockfile) Compatible(m *manifest.Manifest, manifestDir string) error {
	if l.Fingerprint != Fingerprint(m) {
		if err := l.explainMismatch(m); err != nil {
			return err
		}
		return incompatible("resolution inputs changed")
	}
	return l.verifyLocal(m, manifestDir)
}

// explainMismatch runs the structural checks of the compatibility contract
// to produce a precise reason. It returns nil when no individual check can
// name the drift.
func (l *Lockfile) explainMismatch(m *manifest.Manifest) error {
	if mismatch := setMismatch(toSet(m.Contents.GPGKeys), toSet(l.GPGKeys)); mismatch != "" {
		return incompatible("gpg key set changed (%s)", mismatch)
	}
	byName := make(map[string][]Package, len(l.Packages))
	for _, pkg := range l.Packages {
		byName[pkg.Name] = append(byName[pkg.Name], pkg)
	}
	for _, spec := range m.RemotePackages() {
		if !specSatisfied(spec, byName) {
			return incompatible("package spec %q is not satisfied by any locked package", spec)
		}
	}
	locked := make(map[string]struct{}, len(l.LocalPackages))
	for _, lp := range l.LocalPackages {
		locked[lp.Path] = struct{}{}
	}
	for _, path := range m.LocalPackages() {
		if _, ok := locked[path]; !ok {
			return incompatible("local package %q is not pinned", path)
		}
	}
	return nil
}

// verifyLocal checks that pinned local RPMs still hash to their recorded
// checksums. A drifted local file is lockfile incompatibility, not a
// verification error, because re-resolving is the remedy.
func (l *Lockfile) verifyLocal(m *manifest.Manifest, manifestDir string) error {
	for _, lp := range l.LocalPackages {
		want, err := lp.Checksum.Digest()
		if err != nil {
			return fmt.Errorf("local package %s: %w", lp.Path, err)
		}
		path := lp.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(manifestDir, path)
		}
		f, err := os.Open(path)
		if err != nil {
			return incompatible("local package %s cannot be read: %v", lp.Path, err)
		}
		got, err := digest.FromReader(f)
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("unable to hash local package %s: %w", lp.Path, err)
		}
		if closeErr != nil {
			return closeErr
		}
		if got != want {
			return incompatible("local package %s changed since the lockfile was written", lp.Path)
		}
	}
	return nil
}

// specSatisfied matches a package spec against the locked packages sharing
// its leading name component. Supported spec shapes are the ones the
// lockfile can answer offline: name, name-evr, and name-evr.arch prefixes.
func specSatisfied(spec string, byName map[string][]Package) bool {
	for name, pkgs := range byName {
		if spec == name {
			return true
		}
		if !strings.HasPrefix(spec, name+"-") {
			continue
		}
		for _, pkg := range pkgs {
			if strings.HasPrefix(pkg.NEVRA(), spec) || strings.HasPrefix(name+"-"+pkg.EVR, spec) {
				return true
			}
		}
	}
	return false
}

func toSet(in []string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, s := range in {
		out[s] = struct{}{}
	}
	return out
}

func setMismatch(want, got map[string]struct{}) string {
	for key := range want {
		if _, ok := got[key]; !ok {
			return "added " + key
		}
	}
	for key := range got {
		if _, ok := want[key]; !ok {
			return "removed " + key
		}
	}
	return ""
}
