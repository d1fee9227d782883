package main

import (
	"os"

	"github.com/tracectl/tracectl/cmd/tracectl/cmds"
	"github.com/tracectl/tracectl/pkg/version"
)

// Build is the git revision this binary was built from, set by the linker.
var Build string

func main() {
	if Build != "" {
		version.TracectlVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
