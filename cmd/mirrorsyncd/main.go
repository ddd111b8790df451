package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/syncforge/mirrorsync/pkg/app"
	"github.com/syncforge/mirrorsync/pkg/app/syncd"
	"github.com/syncforge/mirrorsync/pkg/config"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to configuration file")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var runner app.Runner = syncd.NewServer(cfg)
	if err := runner.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Server exited with error: %v\n", err)
		os.Exit(1)
	}
}
