package main

import (
	"fmt"
	"log"
	"os"

	"github.com/manifold-dash/manifold/internal/buildinfo"
)

func main() {
	log.Printf("[boot] manifold %s (commit %s, built %s)",
		buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
