package main

import (
	"fmt"
	"os"

	"github.com/arvela/insight-go/cmd"
	"github.com/arvela/insight-go/internal/conf"
	"github.com/arvela/insight-go/internal/logging"
)

func main() {
	logging.Init()

	settings, err := conf.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}

	rootCmd := cmd.RootCommand(settings)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
