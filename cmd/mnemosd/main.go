package main

import (
	"os"

	"github.com/mnemos-io/mnemos/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
