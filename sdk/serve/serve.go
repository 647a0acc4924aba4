// Package serve runs a plugin as a standalone process.
//
//	func main() {
//		if err := serve.RunPluginServer(newPlugin()); err != nil {
//			os.Exit(1)
//		}
//	}
package serve

import (
	"os"

	"github.com/mantonx/plughost/internal/server"
	plugins "github.com/mantonx/plughost/sdk"
)

// RunPluginServer serves plugin on the port given by --port=<N> (default
// 50051) until the process receives SIGINT or SIGTERM.
func RunPluginServer(plugin plugins.PluginAPI) error {
	return server.Run(plugin, os.Args[1:])
}

// RunWithArgs is RunPluginServer with explicit arguments.
func RunWithArgs(plugin plugins.PluginAPI, args []string) error {
	return server.Run(plugin, args)
}
