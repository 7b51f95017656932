// Package vendorcmd implements `rpmoci vendor`: download the resolved RPMs
// into a content-addressed directory so later builds can run offline.
package vendorcmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/microsoft/rpmoci/cmd/internal/cmdutil"
	"github.com/microsoft/rpmoci/internal/vendorstore"
)

const FlagOutDir = "out-dir"

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vendor",
		Short: "Download the resolved RPMs into a vendor directory",
		Long: `Vendor resolves the manifest (reusing a compatible lockfile when one
exists) and fills the output directory with the RPM files, each named by
the SHA-256 of its content. A build pointed at the directory with
--vendor-dir then needs no network access.`,
		Args:              cobra.NoArgs,
		RunE:              run,
		DisableAutoGenTag: true,
	}
	cmd.Flags().StringP(cmdutil.FlagFile, "f", cmdutil.DefaultManifest, "manifest file to vendor the packages of")
	cmd.Flags().String(FlagOutDir, "", "directory to download the RPMs into")
	_ = cmd.MarkFlagRequired(FlagOutDir)
	return cmd
}

func run(cmd *cobra.Command, _ []string) (err error) {
	ctx := cmd.Context()
	manifestPath, _ := cmd.Flags().GetString(cmdutil.FlagFile)
	outDir, _ := cmd.Flags().GetString(FlagOutDir)

	s, err := cmdutil.Open(ctx, manifestPath)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.Close(ctx, false))
	}()

	set, _, err := s.ResolveSet(ctx, false)
	if err != nil {
		return err
	}
	store, err := vendorstore.Open(outDir)
	if err != nil {
		return err
	}
	if err := store.Ensure(ctx, set, s.Downloader); err != nil {
		return err
	}
	return store.Verify()
}
