// Command searchctl drives photo searches through the relay from the
// terminal: submit a query, watch pipeline progress live, inspect
// stored results, and chat about a match.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "searchctl",
		Usage: "Photo search relay client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "relay",
				Usage:   "Relay base URL",
				Value:   "http://localhost:8090",
				EnvVars: []string{"RELAY_URL"},
			},
		},
		Commands: []*cli.Command{
			searchCommand(),
			resultsCommand(),
			historyCommand(),
			chatCommand(),
			benchCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
