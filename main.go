// Package main is the entry point for the otus packet profiling engine.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/otus/cmd"

	// Every stage implementation self-registers with internal/stage via
	// init(); importing for side effect is what makes "type: <name>" in a
	// configuration file resolvable at startup.
	_ "firestige.xyz/otus/internal/detectors"
	_ "firestige.xyz/otus/internal/httpflow"
	_ "firestige.xyz/otus/internal/iplayer"
	_ "firestige.xyz/otus/internal/linklayer"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
