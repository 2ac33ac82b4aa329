package main

import (
	"os"

	"github.com/aliou/osgrep/cmd/osgrep/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
