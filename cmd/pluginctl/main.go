// Command pluginctl drives a plugin process over the line protocol.
package main

import (
	"os"
)

func main() {
	if err := New().Execute(); err != nil {
		os.Exit(1)
	}
}
