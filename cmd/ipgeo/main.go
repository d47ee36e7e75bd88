package main

import (
	"os"

	"github.com/evyataryagoni/ipgeo/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// Usage:
//
//	ipgeo load data/dbip-city.csv
//	ipgeo split data/dbip-city.csv
//	ipgeo locate 8.8.8.8 2001:4860:4860::8888
func main() {
	os.Exit(cli.Execute(version))
}
