// Package cmdutil holds the plumbing shared by the rpmoci sub-commands:
// loading the manifest and lockfile pair, preparing repositories and keys,
// and owning the per-invocation scratch directory.
package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	slogcontext "github.com/veqryn/slog-context"

	"github.com/microsoft/rpmoci/internal/lockfile"
	"github.com/microsoft/rpmoci/internal/manifest"
	"github.com/microsoft/rpmoci/internal/resolver"
	"github.com/microsoft/rpmoci/internal/rpmrepo"
)

// FlagFile is the manifest flag shared by every sub-command.
const FlagFile = "file"

// DefaultManifest is the manifest read when -f is not given.
const DefaultManifest = "rpmoci.toml"

// Session is the per-invocation state of a sub-command.
type Session struct {
	Manifest     *manifest.Manifest
	ManifestPath string
	ManifestDir  string
	LockPath     string
	// Lock is nil when no lockfile exists yet.
	Lock       *lockfile.Lockfile
	Repos      []rpmrepo.Handle
	Keyring    *rpmrepo.Keyring
	DNF        *resolver.DNF
	Downloader *resolver.Downloader
	// WorkDir is the scratch directory removed by Close.
	WorkDir string
}

// Open loads the manifest and its lockfile (when present) and prepares the
// solver inputs.
func Open(ctx context.Context, manifestPath string) (_ *Session, err error) {
	abs, err := filepath.Abs(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve manifest path: %w", err)
	}
	m, err := manifest.Load(abs)
	if err != nil {
		return nil, err
	}

	s := &Session{
		Manifest:     m,
		ManifestPath: abs,
		ManifestDir:  filepath.Dir(abs),
		LockPath:     lockfile.PathFor(abs),
	}
	if s.Lock, err = lockfile.Load(s.LockPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		s.Lock = nil
	}

	if s.WorkDir, err = os.MkdirTemp("", "rpmoci-"); err != nil {
		return nil, fmt.Errorf("unable to create scratch directory: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, os.RemoveAll(s.WorkDir))
		}
	}()

	if s.Repos, err = rpmrepo.Normalize(m.Contents.Repositories); err != nil {
		return nil, err
	}
	keyDir := filepath.Join(s.WorkDir, "gpgkeys")
	if err := os.MkdirAll(keyDir, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create key directory: %w", err)
	}
	if s.Keyring, err = rpmrepo.PrepareKeyring(ctx, m.Contents.GPGKeys, keyDir); err != nil {
		return nil, err
	}

	s.DNF = &resolver.DNF{
		Repos:       s.Repos,
		KeyPaths:    s.Keyring.Paths,
		ManifestDir: s.ManifestDir,
	}
	s.Downloader = resolver.NewDownloader(s.Repos, s.Keyring.Entities)

	slogcontext.FromCtx(ctx).Debug("session opened",
		slog.String("manifest", s.ManifestPath),
		slog.Bool("lockfile", s.Lock != nil),
	)
	return s, nil
}

// Close removes the scratch directory unless keep is set.
func (s *Session) Close(ctx context.Context, keep bool) error {
	if keep {
		slogcontext.FromCtx(ctx).Info("keeping scratch directory", slog.String("dir", s.WorkDir))
		return nil
	}
	return os.RemoveAll(s.WorkDir)
}

// ResolveSet yields the package set to build from. Under locked the
// lockfile must exist and be compatible; otherwise a compatible lockfile is
// reused and anything else triggers a fresh resolution. fresh reports
// whether the caller should persist the set as the new lockfile.
func (s *Session) ResolveSet(ctx context.Context, locked bool) (set *resolver.ResolvedSet, fresh bool, err error) {
	logger := slogcontext.FromCtx(ctx)
	if locked {
		if s.Lock == nil {
			return nil, false, fmt.Errorf("--locked requires a lockfile at %s", s.LockPath)
		}
		if err := s.Lock.Compatible(s.Manifest, s.ManifestDir); err != nil {
			return nil, false, err
		}
		logger.Debug("using lockfile", slog.String("path", s.LockPath))
		return resolver.FromLockfile(s.Lock), false, nil
	}
	if s.Lock != nil {
		if err := s.Lock.Compatible(s.Manifest, s.ManifestDir); err == nil {
			logger.Debug("lockfile is compatible, skipping resolution", slog.String("path", s.LockPath))
			return resolver.FromLockfile(s.Lock), false, nil
		}
		logger.Info("lockfile is incompatible with the manifest, re-resolving")
	}
	set, err = s.DNF.Resolve(ctx, s.Manifest)
	if err != nil {
		return nil, false, err
	}
	return set, true, nil
}

// WriteLockfile persists the set as the manifest's lockfile.
func (s *Session) WriteLockfile(ctx context.Context, set *resolver.ResolvedSet) error {
	lock := set.Lockfile(s.Manifest)
	if err := lock.Write(s.LockPath); err != nil {
		return err
	}
	s.Lock = lock
	slogcontext.FromCtx(ctx).Info("wrote lockfile", slog.String("path", s.LockPath))
	return nil
}
