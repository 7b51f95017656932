// Package cmd assembles the rpmoci command tree.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/microsoft/rpmoci/cmd/build"
	"github.com/microsoft/rpmoci/cmd/update"
	"github.com/microsoft/rpmoci/cmd/vendorcmd"
	"github.com/microsoft/rpmoci/internal/log"
)

// Root is the base command when called without any subcommands.
var Root *cobra.Command

func init() {
	Root = &cobra.Command{
		Use:   "rpmoci [sub-command]",
		Short: "Build OCI container images from RPM packages",
		Long: `rpmoci builds OCI container images whose content comes solely from a
set of RPM packages and their dependencies, pinned in a lockfile so the
same manifest always produces the same image.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: setupRoot,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
	}

	log.RegisterLoggingFlags(Root.PersistentFlags())
	Root.AddCommand(build.New())
	Root.AddCommand(update.New())
	Root.AddCommand(vendorcmd.New())
}

// setupRoot installs the process-wide logger from the logging flags.
func setupRoot(cmd *cobra.Command, _ []string) error {
	logger, err := log.GetBaseLogger(cmd)
	if err != nil {
		return fmt.Errorf("could not configure logger: %w", err)
	}
	slog.SetDefault(logger)
	return nil
}

// Execute runs the root command. It is called once from main.
func Execute() {
	if err := Root.Execute(); err != nil {
		os.Exit(1)
	}
}
