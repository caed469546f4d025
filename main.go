// The main package for the legiswatch executable.
package main

import (
	"github.com/JakeFAU/legiswatch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
