package main

import (
	"os"

	"github.com/sirosfoundation/go-stream-gateway/cmd/server/cmd"
)

// Set by -ldflags "-X main.version=... -X main.buildTime=..."
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if err := cmd.Execute(version, buildTime); err != nil {
		os.Exit(1)
	}
}
