package main

import (
	"fmt"
	"os"

	"github.com/ymonai/atwatch/common/environment"
	"github.com/ymonai/atwatch/common/version"
	"github.com/ymonai/atwatch/internal/atwatch/app"
	"github.com/ymonai/atwatch/internal/atwatch/config"
	"github.com/ymonai/atwatch/internal/atwatch/observability"
)

func main() {
	fmt.Printf("atwatch — group chat mention tracker\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	cfg, err := config.Load(environment.StringOr("ATWATCH_CONFIG", "config.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	observability.Setup(cfg.Log.Level, cfg.Log.Format)

	atwatch, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize atwatch: %v\n", err)
		os.Exit(1)
	}
	defer atwatch.Stop()

	if err := atwatch.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running atwatch: %v\n", err)
		os.Exit(1)
	}
}
