package main

import (
	"fmt"
	"os"

	"github.com/tpn-federation/core/cmd/tpnoded/cmd"
)

// version, commit and buildTime are overwritten at build time via
// -ldflags "-X main.version=... -X main.commit=... -X main.buildTime=...",
// mirroring sn-manager/main.go's appVersion/appGitCommit/appBuildTime.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	if err := cmd.Execute(version, commit, buildTime); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
