// Command pelink is a diagnostic CLI exercising the pelink loader against
// real files on the host filesystem, outside of any kernel.
package main

import (
	"os"

	"github.com/Meulengracht/processd-pe/cmd/pelink/cmd"
)

func main() {
	os.Exit(cmd.Main())
}
