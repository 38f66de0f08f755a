// Command focusedsearch is the entrypoint for the self-hosted focused
// search engine's CLI (serve/crawl/search/index subcommands).
package main

import cmd "github.com/rohmanhakim/focusedsearch/internal/cli"

func main() {
	cmd.Execute()
}
