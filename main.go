package main

import (
	"runtime/debug"

	"github.com/deskhand-ai/deskhand/cmd"
)

// version info injected via ldflags:
// go build -ldflags "-X main.version=0.2.0"
var version = "0.2.0"

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 7 {
				version += "+" + s.Value[:7]
				break
			}
		}
	}
}

func main() {
	cmd.Execute(version)
}
