package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/picqlabs/picq-relay/internal/progress"
	"github.com/picqlabs/picq-relay/internal/records"
	"github.com/picqlabs/picq-relay/internal/stream"
)

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Submit a search and watch pipeline progress live",
		ArgsUsage: "<query>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "image",
				Usage: "Path to a query image to upload",
			},
			&cli.StringFlag{
				Name:  "transport",
				Usage: "Stream transport: sse or ws",
				Value: "sse",
			},
			&cli.DurationFlag{
				Name:  "stage-deadline",
				Usage: "Fail a stage stuck in progress longer than this (0 = no deadline)",
			},
			&cli.BoolFlag{
				Name:  "events",
				Usage: "Print every raw event",
			},
		},
		Action: searchAction,
	}
}

func searchAction(c *cli.Context) error {
	query := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if query == "" {
		return cli.Exit("usage: searchctl search <query>", 1)
	}

	rc, err := recordsClient(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var image io.Reader
	imageName := ""
	if path := c.String("image"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cli.Exit(fmt.Sprintf("open image: %v", err), 1)
		}
		defer f.Close()
		image = f
		imageName = filepath.Base(path)
	}

	created, err := rc.CreateSearch(ctx, query, image, imageName)
	if err != nil {
		return cli.Exit(fmt.Sprintf("create search: %v", err), 1)
	}
	fmt.Printf("search %s created\n", created.SearchID)

	state, err := watchSearch(ctx, c, created.SearchID, query, created.QueryImageURL)
	if err != nil {
		return err
	}
	printFinalState(state)
	if state.Err != "" {
		return cli.Exit("", 1)
	}
	return nil
}

func watchSearch(ctx context.Context, c *cli.Context, searchID, query, imageURL string) (progress.State, error) {
	cfg, err := streamConfig(c, searchID, query, imageURL)
	if err != nil {
		return progress.State{}, cli.Exit(err.Error(), 1)
	}

	deadline := c.Duration("stage-deadline")
	tracker := progress.NewTracker(
		progress.DefaultStages(imageURL != ""),
		progress.WithStageDeadline(deadline),
	)
	printer := newProgressPrinter(c.Bool("events"))

	client := stream.New(cfg)
	client.OnAny(func(ev stream.Event) {
		tracker.Apply(ev)
		printer.observe(ev, tracker.State())
	})
	if err := client.Connect(ctx); err != nil {
		return progress.State{}, cli.Exit(fmt.Sprintf("connect: %v", err), 1)
	}
	defer client.Close()

	var tick <-chan time.Time
	if deadline > 0 {
		ticker := time.NewTicker(deadline / 2)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			client.Close()
			fmt.Println("\ninterrupted")
			return tracker.State(), nil
		case <-client.Done():
			return tracker.State(), nil
		case now := <-tick:
			for _, id := range tracker.ExpireStale(now) {
				fmt.Printf("stage %s exceeded its deadline\n", id)
			}
		}
	}
}

// progressPrinter renders stage transitions as they happen, one line
// per status change.
type progressPrinter struct {
	raw  bool
	seen map[string]progress.Status
}

func newProgressPrinter(raw bool) *progressPrinter {
	return &progressPrinter{raw: raw, seen: map[string]progress.Status{}}
}

func (p *progressPrinter) observe(ev stream.Event, st progress.State) {
	if p.raw {
		fmt.Printf("%-26s %v\n", ev.Name, ev.Payload)
	}
	for _, stage := range st.Stages {
		if p.seen[stage.ID] == stage.Status {
			continue
		}
		p.seen[stage.ID] = stage.Status
		switch stage.Status {
		case progress.StatusInProgress:
			fmt.Printf("started  %s\n", stage.Name)
		case progress.StatusCompleted:
			if stage.Message != "" {
				fmt.Printf("done     %s (%s)\n", stage.Name, stage.Message)
			} else {
				fmt.Printf("done     %s\n", stage.Name)
			}
		case progress.StatusFailed:
			fmt.Printf("failed   %s (%s)\n", stage.Name, stage.Message)
		}
	}
}

func printFinalState(st progress.State) {
	if st.Err != "" {
		fmt.Printf("\nsearch failed: %s\n", st.Err)
	}
	if len(st.Matches) == 0 {
		fmt.Println("\nno matches")
		return
	}
	fmt.Printf("\n%-4s %-12s %-10s %s\n", "Rank", "Match", "Similarity", "Photo")
	for _, m := range st.Matches {
		fmt.Printf("%-4d %-12s %-10.2f %s\n", m.Rank, m.ID, m.Similarity, m.PhotoURL)
		for _, reason := range m.Reasons {
			fmt.Printf("     - %s\n", reason)
		}
	}
}

func printResultMatches(matches []records.ResultMatch) {
	fmt.Printf("%-4s %-12s %-5s %s\n", "Rank", "Match", "Best", "Photo")
	for _, m := range matches {
		best := ""
		if m.IsBestMatch {
			best = "yes"
		}
		fmt.Printf("%-4d %-12s %-5s %s\n", m.Rank, m.ID, best, m.PhotoURL)
		if m.FormattedAddress != "" {
			fmt.Printf("     %s\n", m.FormattedAddress)
		}
		if m.ReasonForMatch != "" {
			fmt.Printf("     %s\n", m.ReasonForMatch)
		}
	}
}
