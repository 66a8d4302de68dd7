package main

import (
	"os"

	"github.com/datasetops/hubfetch/internal/cli"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	os.Exit(cli.Execute(version))
}
