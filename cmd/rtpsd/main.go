// Command rtpsd runs an RTPS participant from the command line: it can
// publish or print the strings of a topic, or watch who is on a domain.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
