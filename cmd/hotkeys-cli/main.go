package main

import (
	"fmt"
	"os"

	"github.com/mohammed-shakir/hotkey-tracker/internal/cli/command"
)

func main() {
	if err := command.App(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
