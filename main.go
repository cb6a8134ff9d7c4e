// The main package for the headlines executable.
package main

import (
	"os"

	"github.com/JakeFAU/headlines/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
