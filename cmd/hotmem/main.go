package main

import (
	"os"

	"github.com/lazypower/hotmem/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
