package main

import (
	"os"

	"github.com/meow-io/go-omemo/cmd/omemo/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
