package main

import (
	"fmt"
	"os"

	"github.com/dkirby-ms/tilemud/cmd/tilemud-server/commands"
)

func main() {
	if err := commands.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
