package main

import (
	"os"

	"github.com/pulsefolio/pulse-tracker/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
