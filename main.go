// The main package for the sitelens executable.
package main

import (
	"github.com/sitelens/sitelens/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
