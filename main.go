package main

import (
	"os"

	"github.com/marcoeg/etrap/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
