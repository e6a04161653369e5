// ptl4ctl is an operator smoke-test CLI for the engine, not a protocol
// component: it boots one or two network interfaces in-process and runs a
// canned exchange against them.
package main

import (
	"os"

	"github.com/musleh123/portals4/cmd/ptl4ctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
