// Command atelier runs the creative tool gateway.
package main

import (
	"fmt"
	"os"

	"atelier/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
