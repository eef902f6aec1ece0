package main

import (
	"os"

	"github.com/hashicorp-forge/embedsearch/internal/cmd"
)

func main() {
	os.Exit(cmd.Main(os.Args))
}
