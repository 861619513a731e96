package main

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/picqlabs/picq-relay/internal/stream"
)

func benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Stress the relay with concurrent searches",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "count",
				Usage: "Total searches to run",
				Value: 20,
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Concurrent searches",
				Value: 5,
			},
			&cli.StringFlag{
				Name:  "query",
				Usage: "Query text to submit",
				Value: "red brick house with a green door",
			},
			&cli.StringFlag{
				Name:  "transport",
				Usage: "Stream transport: sse or ws",
				Value: "sse",
			},
		},
		Action: benchAction,
	}
}

type benchResult struct {
	success bool
	ttffMs  float64
	totalMs float64
	frames  int
	err     string
}

func benchAction(c *cli.Context) error {
	count := c.Int("count")
	conc := c.Int("concurrency")
	fmt.Printf("Bench: %d searches, %d concurrent, transport %s\n", count, conc, c.String("transport"))

	var mu sync.Mutex
	var results []benchResult
	var wg sync.WaitGroup
	jobs := make(chan struct{})

	for range conc {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				r := runBenchSearch(c)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}

	for range count {
		jobs <- struct{}{}
	}
	close(jobs)
	wg.Wait()

	printBenchSummary(results)
	return nil
}

func runBenchSearch(c *cli.Context) benchResult {
	cfg, err := streamConfig(c, uuid.NewString(), c.String("query"), "")
	if err != nil {
		return benchResult{err: err.Error()}
	}

	start := time.Now()
	var ttff time.Duration
	frames := 0
	sawComplete := false

	client := stream.New(cfg)
	client.OnAny(func(ev stream.Event) {
		if frames == 0 {
			ttff = time.Since(start)
		}
		frames++
		if ev.Name == "complete" {
			sawComplete = true
		}
	})
	if err := client.Connect(context.Background()); err != nil {
		return benchResult{err: err.Error()}
	}
	defer client.Close()

	select {
	case <-client.Done():
	case <-time.After(2 * time.Minute):
		client.Close()
		return benchResult{err: "timeout", frames: frames}
	}

	total := time.Since(start)
	if err := client.Err(); err != nil {
		return benchResult{err: err.Error(), frames: frames}
	}
	if !sawComplete {
		return benchResult{err: "stream ended before complete", frames: frames}
	}
	return benchResult{
		success: true,
		ttffMs:  float64(ttff.Milliseconds()),
		totalMs: float64(total.Milliseconds()),
		frames:  frames,
	}
}

func printBenchSummary(results []benchResult) {
	var succeeded, failed int
	var ttff, total []float64
	frames := 0
	firstErr := ""

	for _, r := range results {
		if !r.success {
			failed++
			if firstErr == "" {
				firstErr = r.err
			}
			continue
		}
		succeeded++
		ttff = append(ttff, r.ttffMs)
		total = append(total, r.totalMs)
		frames += r.frames
	}

	fmt.Printf("\n=== Bench Results ===\n")
	fmt.Printf("Searches completed: %d\n", succeeded)
	fmt.Printf("Searches failed:    %d\n", failed)
	fmt.Printf("Frames received:    %d\n", frames)
	if failed > 0 {
		fmt.Printf("First error:        %s\n", firstErr)
	}
	if succeeded == 0 {
		return
	}

	fmt.Printf("\n%-12s %8s %8s %8s\n", "Metric", "p50", "p95", "p99")
	fmt.Printf("%-12s %6.0fms %6.0fms %6.0fms\n", "First frame", percentile(ttff, 50), percentile(ttff, 95), percentile(ttff, 99))
	fmt.Printf("%-12s %6.0fms %6.0fms %6.0fms\n", "Total", percentile(total, 50), percentile(total, 95), percentile(total, 99))
}

func percentile(data []float64, pct float64) float64 {
	sort.Float64s(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(data) {
		idx = len(data) - 1
	}
	return data[idx]
}
