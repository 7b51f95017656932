// Package installroot prepares the root filesystem that becomes the layer:
// it drives the package installation and applies the determinism fix-ups
// afterwards.
package installroot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	slogcontext "github.com/veqryn/slog-context"

	"github.com/microsoft/rpmoci/internal/resolver"
	"github.com/microsoft/rpmoci/internal/userns"
)

// purgeDirs are the package manager's cache and log trees, emptied before
// layering so transient state never reaches the image.
var purgeDirs = []string{"var/cache", "var/log"}

// Builder assembles installroots.
type Builder struct {
	Resolver resolver.Resolver
	// Docs keeps documentation paths in the root when true.
	Docs bool
	// IDBound, when non-zero, is the largest uid or gid representable in
	// the current user namespace; files beyond it fail the build.
	IDBound uint32
}

// Build creates dir/root, installs the resolved set into it from the
// verified RPM files in rpmdir, and applies the post-install fix-ups.
// It returns the root path.
func (b *Builder) Build(ctx context.Context, set *resolver.ResolvedSet, dir, rpmdir string) (string, error) {
	root := filepath.Join(dir, "root")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("unable to create installroot: %w", err)
	}

	report, err := b.Resolver.Install(ctx, set, root, rpmdir)
	if err != nil {
		return "", err
	}

	logger := slogcontext.FromCtx(ctx)
	if !b.Docs {
		if err := removeDocs(root, report.DocPaths); err != nil {
			return "", err
		}
		logger.Debug("removed documentation paths", slog.Int("count", len(report.DocPaths)))
	}
	if err := purgeTransientState(root); err != nil {
		return "", err
	}
	if err := CanonicalizeRPMDB(ctx, root); err != nil {
		return "", err
	}
	if b.IDBound > 0 {
		if err := checkIDBound(root, b.IDBound); err != nil {
			return "", err
		}
	}
	return root, nil
}

// removeDocs deletes every path the package database marks as
// documentation. Paths are relative to the root; already absent ones are
// fine (a package may own a doc path another package removed).
func removeDocs(root string, docPaths []string) error {
	for _, doc := range docPaths {
		clean := filepath.Clean(strings.TrimPrefix(doc, "/"))
		if clean == "." || strings.HasPrefix(clean, "..") {
			return fmt.Errorf("refusing to remove documentation path %q outside the installroot", doc)
		}
		if err := os.RemoveAll(filepath.Join(root, clean)); err != nil {
			return fmt.Errorf("unable to remove documentation path %s: %w", doc, err)
		}
	}
	return nil
}

// purgeTransientState empties the cache and log directories, keeping the
// directories themselves.
func purgeTransientState(root string) error {
	for _, dir := range purgeDirs {
		target := filepath.Join(root, dir)
		entries, err := os.ReadDir(target)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("unable to list %s: %w", target, err)
		}
		for _, entry := range entries {
			if err := os.RemoveAll(filepath.Join(target, entry.Name())); err != nil {
				return fmt.Errorf("unable to purge %s: %w", target, err)
			}
		}
	}
	return nil
}

// checkIDBound walks the root and rejects files owned by ids the namespace
// cannot represent, surfacing the rare too-small subordinate allocation as
// a clear configuration error.
func checkIDBound(root string, bound uint32) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		st, ok := fi.Sys().(*syscall.Stat_t)
		if !ok {
			return nil
		}
		if st.Uid > bound || st.Gid > bound {
			return fmt.Errorf("%s is owned by %d:%d, beyond the %d ids available in the user namespace; extend the subordinate id allocation (%s, %s)",
				path, st.Uid, st.Gid, bound, userns.SubUIDPath, userns.SubGIDPath)
		}
		return nil
	})
}
