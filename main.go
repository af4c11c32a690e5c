// The main package for the quarry executable.
package main

import (
	"github.com/quarryd/quarry/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
