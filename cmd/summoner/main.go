// summoner coordinates a sequential powers-of-tau ceremony: it admits the
// participants who bid, validates their contributions and keeps the ledger.
package main

import (
	"fmt"
	"os"

	summoner "github.com/drand/summoner/cmd/summoner-cli"
)

func main() {
	app := summoner.CLI()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "summoner: %v\n", err)
		os.Exit(1)
	}
}
