// The main package for the lenslate executable.
package main

import (
	"lenslate/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
