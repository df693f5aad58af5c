// Command runguardctl is the operator CLI for runguard: it signs and checks
// webhook callbacks, validates rule and tool files, and bootstraps clients.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
