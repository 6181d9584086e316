// sandboxsv launches a command as a resource-restricted, network-denied,
// chroot-jailed child process, observes it to termination, and reports a
// structured outcome.
package main

import (
	"fmt"
	"os"

	"sandboxsv/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sandboxsv:", err)
		os.Exit(1)
	}
}
