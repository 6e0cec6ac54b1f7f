// Command remoted runs the remote tensor device daemon and its reference worker.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "remoted:", err)
		os.Exit(1)
	}
}
