// Package main provides the entrypoint for the meshchat CLI.
package main

import (
	"embed"
	"fmt"
	"io/fs"
	"os"

	"meshchat.dev/go/meshchat/internal/cli"
	"meshchat.dev/go/meshchat/internal/daemon"
)

//go:embed ui
var uiFS embed.FS

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func init() {
	uiRoot, err := fs.Sub(uiFS, "ui")
	if err == nil {
		daemon.UIFilesystem = uiRoot
	}
}

func main() {
	cli.SetVersion(version)
	cli.SetBuildInfo(commit, buildDate)
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
