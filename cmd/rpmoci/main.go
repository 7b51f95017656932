package main

import (
	"fmt"
	"os"

	"github.com/microsoft/rpmoci/cmd"
	"github.com/microsoft/rpmoci/internal/userns"
)

func main() {
	// When this process is the re-executed child of a user-namespace
	// bootstrap it must wait for its id mappings before doing anything.
	if err := userns.AwaitMappings(); err != nil {
		fmt.Fprintln(os.Stderr, "rpmoci:", err)
		os.Exit(1)
	}
	cmd.Execute()
}
