package main

import (
	"os"

	"github.com/wehubfusion/Daedalus/cmd/daedalus/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
