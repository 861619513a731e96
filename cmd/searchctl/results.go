package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"
)

func resultsCommand() *cli.Command {
	return &cli.Command{
		Name:      "results",
		Usage:     "Fetch the stored results of a finished search",
		ArgsUsage: "<search-id>",
		Action:    resultsAction,
	}
}

func resultsAction(c *cli.Context) error {
	searchID := c.Args().First()
	if searchID == "" {
		return cli.Exit("usage: searchctl results <search-id>", 1)
	}

	rc, err := recordsClient(c)
	if err != nil {
		return err
	}

	res, err := rc.Results(context.Background(), searchID)
	if err != nil {
		return cli.Exit(fmt.Sprintf("fetch results: %v", err), 1)
	}

	fmt.Printf("search %s: %q\n", res.SearchID, res.QueryText)
	if !res.HasResults {
		fmt.Println("no results")
		return nil
	}
	printResultMatches(res.Matches)
	return nil
}
