// The main package for the streetview executable.
package main

import (
	"github.com/JakeFAU/streetview-cache/cmd"
)

func main() {
	cmd.Execute()
}
