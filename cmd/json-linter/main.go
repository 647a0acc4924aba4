// Command json-linter is a plugin that validates and formats JSON. It is
// started by the host with --port=<N> and speaks the line protocol.
package main

import (
	_ "embed"
	"fmt"
	"os"

	plugins "github.com/mantonx/plughost/sdk"
	"github.com/mantonx/plughost/sdk/serve"
)

//go:embed plugin.cue
var manifestSource []byte

func main() {
	manifest, err := plugins.ParseManifest("plugin.cue", manifestSource)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid plugin manifest: %v\n", err)
		os.Exit(1)
	}

	if err := serve.RunPluginServer(NewLinter(*manifest)); err != nil {
		fmt.Fprintf(os.Stderr, "json-linter: %v\n", err)
		os.Exit(1)
	}
}
