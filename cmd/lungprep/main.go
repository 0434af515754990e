package main

import (
	"fmt"
	"runtime"
)

// Version information, set at build time
var (
	version = "dev"
	commit  = "none"
)

func main() {
	Execute()
}

// versionString returns the version string.
func versionString() string {
	return fmt.Sprintf("lungprep %s (%s, %s)", version, commit[:min(7, len(commit))], runtime.Version())
}
