package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/picqlabs/picq-relay/internal/chat"
	"github.com/picqlabs/picq-relay/internal/records"
)

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:      "chat",
		Usage:     "Ask a question about a match and stream the answer",
		ArgsUsage: "<match-id> <message>",
		Action:    chatAction,
	}
}

func chatAction(c *cli.Context) error {
	matchID := c.Args().First()
	message := strings.TrimSpace(strings.Join(c.Args().Tail(), " "))
	if matchID == "" || message == "" {
		return cli.Exit("usage: searchctl chat <match-id> <message>", 1)
	}

	rc, err := recordsClient(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	body, err := rc.SendChat(ctx, records.ChatRequest{MatchID: matchID, Message: message})
	if err != nil {
		return cli.Exit(fmt.Sprintf("send chat: %v", err), 1)
	}
	defer body.Close()

	errMsg := ""
	dec := chat.NewDecoder()
	err = dec.Drain(body, func(u chat.Update) {
		switch u.Kind {
		case chat.KindProcessing, chat.KindGenerating:
			if u.Message != "" {
				fmt.Fprintln(os.Stderr, u.Message)
			}
		case chat.KindAnswerChunk:
			fmt.Print(u.Chunk)
		case chat.KindError:
			errMsg = u.Message
		}
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("read chat stream: %v", err), 1)
	}
	fmt.Println()

	if errMsg != "" {
		return cli.Exit(errMsg, 1)
	}
	// The final answer wins over the streamed chunks when they differ.
	if dec.Divergence() > 0 {
		fmt.Printf("\n(final answer)\n%s\n", dec.Answer())
	}
	return nil
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Show the stored conversation about a match",
		ArgsUsage: "<match-id>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of messages to return (0 = server default)",
			},
		},
		Action: historyAction,
	}
}

func historyAction(c *cli.Context) error {
	matchID := c.Args().First()
	if matchID == "" {
		return cli.Exit("usage: searchctl history <match-id>", 1)
	}

	rc, err := recordsClient(c)
	if err != nil {
		return err
	}

	hist, err := rc.History(context.Background(), matchID, c.Int("limit"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("fetch history: %v", err), 1)
	}

	if len(hist.Messages) == 0 {
		fmt.Println("no messages")
		return nil
	}
	for _, m := range hist.Messages {
		who := "assistant"
		if m.IsUser {
			who = "user"
		}
		fmt.Printf("[%s] %s\n", who, m.MessageText)
	}
	return nil
}
