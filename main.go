package main

import (
	"os"

	"github.com/adalundhe/atomgp/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
