package main

import (
	"os"

	"github.com/acpx/acpx/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
