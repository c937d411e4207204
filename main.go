package main

import (
	"github.com/xkilldash9x/evolved/cmd"
)

// main is the entry point for the evolved CLI.
func main() {
	cmd.Execute()
}
