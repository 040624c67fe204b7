// The main package for the queuectl operator executable.
package main

import (
	"github.com/JakeFAU/sparepart-scheduler/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
