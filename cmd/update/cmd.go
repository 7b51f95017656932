// Package update implements `rpmoci update`: re-resolve the manifest and
// rewrite the lockfile without building an image.
package update

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/microsoft/rpmoci/cmd/internal/cmdutil"
	"github.com/microsoft/rpmoci/internal/manifest"
)

const FlagFromLockfile = "from-lockfile"

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Regenerate the lockfile from a fresh resolution",
		Long: `Update always re-resolves the manifest against the repositories and
rewrites the lockfile. With --from-lockfile the currently pinned versions
are used as the package specs, refreshing repository metadata and
signatures without upgrading anything.`,
		Args:              cobra.NoArgs,
		RunE:              run,
		DisableAutoGenTag: true,
	}
	cmd.Flags().StringP(cmdutil.FlagFile, "f", cmdutil.DefaultManifest, "manifest file to update the lockfile of")
	cmd.Flags().Bool(FlagFromLockfile, false, "re-resolve the currently pinned versions instead of the manifest specs")
	return cmd
}

func run(cmd *cobra.Command, _ []string) (err error) {
	ctx := cmd.Context()
	manifestPath, _ := cmd.Flags().GetString(cmdutil.FlagFile)
	fromLockfile, _ := cmd.Flags().GetBool(FlagFromLockfile)

	s, err := cmdutil.Open(ctx, manifestPath)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.Close(ctx, false))
	}()

	target := s.Manifest
	if fromLockfile {
		if target, err = pinnedManifest(s); err != nil {
			return err
		}
	}
	set, err := s.DNF.Resolve(ctx, target)
	if err != nil {
		return err
	}
	// The lockfile fingerprint must stay that of the real manifest even
	// when resolution ran against the pinned specs.
	lock := set.Lockfile(s.Manifest)
	if err := lock.Write(s.LockPath); err != nil {
		return err
	}
	return nil
}

// pinnedManifest clones the manifest with its package specs replaced by
// the lockfile's exact nevra pins.
func pinnedManifest(s *cmdutil.Session) (*manifest.Manifest, error) {
	if s.Lock == nil {
		return nil, fmt.Errorf("--%s requires a lockfile at %s", FlagFromLockfile, s.LockPath)
	}
	pinned := *s.Manifest
	pinned.Contents.Packages = append([]string(nil), s.Manifest.LocalPackages()...)
	for _, pkg := range s.Lock.Packages {
		pinned.Contents.Packages = append(pinned.Contents.Packages, pkg.NEVRA())
	}
	return &pinned, nil
}
