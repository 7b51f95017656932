// Package build implements `rpmoci build`: resolve (or reuse the
// lockfile), fetch and verify the RPMs, install them into a fresh root,
// and emit the OCI layout.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	slogcontext "github.com/veqryn/slog-context"

	"github.com/microsoft/rpmoci/cmd/internal/cmdutil"
	"github.com/microsoft/rpmoci/internal/epoch"
	"github.com/microsoft/rpmoci/internal/installroot"
	"github.com/microsoft/rpmoci/internal/layer"
	"github.com/microsoft/rpmoci/internal/ocidir"
	"github.com/microsoft/rpmoci/internal/resolver"
	"github.com/microsoft/rpmoci/internal/rpmsig"
	"github.com/microsoft/rpmoci/internal/userns"
	"github.com/microsoft/rpmoci/internal/vendorstore"
)

const (
	FlagImage           = "image"
	FlagTag             = "tag"
	FlagLocked          = "locked"
	FlagVendorDir       = "vendor-dir"
	FlagKeepInstallroot = "keep-installroot"
)

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build an OCI image from a package manifest",
		Long: `Build resolves the manifest's packages (or reuses the lockfile),
downloads and verifies the RPMs, installs them into a fresh root
filesystem, and writes the result as an OCI image layout.

When the caller is unprivileged the build re-executes itself inside a new
user namespace so the installroot can contain files owned by non-root
uids.`,
		Args:              cobra.NoArgs,
		RunE:              run,
		DisableAutoGenTag: true,
	}
	cmd.Flags().StringP(cmdutil.FlagFile, "f", cmdutil.DefaultManifest, "manifest file to build from")
	cmd.Flags().String(FlagImage, "", "directory to write the OCI image layout to")
	cmd.Flags().String(FlagTag, "", "tag recorded in the image index")
	cmd.Flags().Bool(FlagLocked, false, "fail instead of re-resolving when the lockfile is missing or incompatible")
	cmd.Flags().String(FlagVendorDir, "", "satisfy the build from a vendored RPM directory instead of the network")
	cmd.Flags().Bool(FlagKeepInstallroot, false, "keep the temporary installroot for debugging")
	_ = cmd.MarkFlagRequired(FlagImage)
	_ = cmd.MarkFlagRequired(FlagTag)
	return cmd
}

func run(cmd *cobra.Command, _ []string) (err error) {
	ctx := cmd.Context()

	// Enter the user namespace before anything touches the filesystem so
	// the whole build, including the output, runs under one identity.
	if userns.NeedsSetup() {
		code, err := userns.ReExec(ctx)
		if err != nil {
			return err
		}
		if code != 0 {
			os.Exit(code)
		}
		return nil
	}

	manifestPath, _ := cmd.Flags().GetString(cmdutil.FlagFile)
	imageDir, _ := cmd.Flags().GetString(FlagImage)
	tag, _ := cmd.Flags().GetString(FlagTag)
	locked, _ := cmd.Flags().GetBool(FlagLocked)
	vendorDir, _ := cmd.Flags().GetString(FlagVendorDir)
	keep, _ := cmd.Flags().GetBool(FlagKeepInstallroot)

	buildTime, err := epoch.BuildTime()
	if err != nil {
		return err
	}
	ctx = slogcontext.NewCtx(ctx, slogcontext.FromCtx(ctx).With(slog.String("manifest", manifestPath)))

	s, err := cmdutil.Open(ctx, manifestPath)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.Close(ctx, keep))
	}()

	set, fresh, err := s.ResolveSet(ctx, locked)
	if err != nil {
		return err
	}
	if fresh {
		if err := s.WriteLockfile(ctx, set); err != nil {
			return err
		}
	}

	rpmdir, err := stageRPMs(ctx, s, set, vendorDir)
	if err != nil {
		return err
	}

	builder := &installroot.Builder{
		Resolver: s.DNF,
		Docs:     s.Manifest.Contents.Docs,
		IDBound:  userns.MappedIDCount(),
	}
	root, err := builder.Build(ctx, set, s.WorkDir, rpmdir)
	if err != nil {
		return err
	}

	layerPath := filepath.Join(s.WorkDir, "layer.tar.gz")
	layerFile, err := os.Create(layerPath)
	if err != nil {
		return fmt.Errorf("unable to create layer file: %w", err)
	}
	desc, err := layer.Build(ctx, root, layer.Options{MTime: buildTime, Out: layerFile})
	if err != nil {
		return errors.Join(err, layerFile.Close())
	}
	if err := layerFile.Close(); err != nil {
		return err
	}

	writer := &ocidir.Writer{Dir: imageDir, Tag: tag}
	return writer.Write(ctx, ocidir.ImageParts{
		Config: ocidir.ImageConfig(s.Manifest, desc.DiffID, buildTime),
		Layer:  desc,
		LayerBlob: func() (io.ReadCloser, error) {
			return os.Open(layerPath)
		},
	})
}

// stageRPMs makes every remote package of the set available as verified
// files and returns the directory holding them. With a vendor directory the
// build takes the files from there and never touches the network.
func stageRPMs(ctx context.Context, s *cmdutil.Session, set *resolver.ResolvedSet, vendorDir string) (string, error) {
	if vendorDir == "" {
		dir := filepath.Join(s.WorkDir, "rpms")
		if err := s.Downloader.Download(ctx, set, dir); err != nil {
			return "", err
		}
		return dir, nil
	}

	store, err := vendorstore.Open(vendorDir)
	if err != nil {
		return "", err
	}
	if missing := store.Missing(set); len(missing) > 0 {
		return "", fmt.Errorf("vendor directory %s is missing %d packages (first: %s); run `rpmoci vendor` first",
			vendorDir, len(missing), missing[0].NEVRA())
	}
	// The vendor directory is caller-managed, so verify it like a download.
	for _, pkg := range set.Packages {
		path := store.Path(pkg.Checksum)
		if err := rpmsig.VerifyChecksum(path, pkg.Checksum); err != nil {
			return "", err
		}
		if pkg.GPGCheck {
			if err := rpmsig.Verify(path, s.Keyring.Entities); err != nil {
				return "", fmt.Errorf("package %s: %w", pkg.NEVRA(), err)
			}
		}
	}
	return store.Dir(), nil
}
