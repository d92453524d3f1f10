package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/xingchen-labs/emotion-companion/internal/companion"
	"github.com/xingchen-labs/emotion-companion/internal/core"
	"github.com/xingchen-labs/emotion-companion/internal/store"
)

func cmdChat(a *app) *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Start an interactive conversation (/new starts over, /quit leaves)",
		Action: func(ctx context.Context, _ *cli.Command) error {
			session, release := a.session(ctx)
			defer release()

			fmt.Println(greeting(a.avatar))
			in := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !in.Scan() {
					return in.Err()
				}
				text := strings.TrimSpace(in.Text())
				switch text {
				case "":
					continue
				case "/quit", "/exit":
					return nil
				case "/new":
					if err := startOver(ctx, session, a.avatar); err != nil {
						return err
					}
					continue
				}

				if err := chatTurn(ctx, session, text, !a.avatar); err != nil {
					return err
				}
				if ctx.Err() != nil {
					return nil
				}
			}
		},
	}
}

func greeting(withAvatar bool) string {
	if withAvatar {
		return "(avatar on)"
	}
	return avatarName + " 你好，我是小星。想聊点什么？"
}

// chatTurn runs one turn. Reply chunks are echoed as they arrive unless the
// avatar is speaking the reply instead.
func chatTurn(ctx context.Context, session *companion.Session, text string, echo bool) error {
	var onChunk func(string)
	if echo {
		fmt.Print(avatarName + " ")
		onChunk = func(chunk string) { fmt.Print(chunk) }
	}
	turn, err := session.Send(ctx, text, onChunk)
	if err != nil {
		return err
	}
	if turn.Failed() {
		if echo {
			fmt.Println(turn.Reply)
		}
		fmt.Fprintln(os.Stderr, "  !", turn.Failure)
		return nil
	}
	if echo {
		fmt.Println()
	}
	printTurnFooter(turn.Emotion, turn.Sources)
	for _, m := range turn.Memories {
		fmt.Printf("  + 记住了 %s: %s\n", m.Key, m.Value)
	}
	return nil
}

func printTurnFooter(emotion *core.EmotionSummary, sources []core.SourceInfo) {
	if emotion != nil && emotion.Current != core.EmotionNormal {
		fmt.Printf("  [%s %.0f%%]\n", companion.EmotionLabels[emotion.Current], emotion.Intensity*100)
	}
	for _, s := range sources {
		fmt.Printf("  · %s / %s (%s)\n", s.KBLabel, s.Category, s.ID)
	}
}

func startOver(ctx context.Context, session *companion.Session, withAvatar bool) error {
	cleared, err := session.NewChat(ctx)
	if err != nil {
		return err
	}
	if !cleared {
		fmt.Println("  (nothing to clear)")
		return nil
	}
	if !withAvatar {
		fmt.Println(avatarName, companion.GreetingMessage)
	}
	return nil
}

func cmdSend(a *app) *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send one message and print the reply",
		ArgsUsage: "<message>",
		Action: func(ctx context.Context, c *cli.Command) error {
			text := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if text == "" {
				return goerr.New("message is required")
			}
			history, err := a.store.History(ctx)
			if err != nil {
				return err
			}
			profile, err := a.store.BuildUserProfile(ctx)
			if err != nil {
				return err
			}

			res, err := a.client().Send(ctx, core.ChatRequest{Message: text, History: history, UserProfile: profile})
			if err != nil {
				return err
			}
			fmt.Println(avatarName, res.Response)
			if res.IsEmergency {
				fmt.Println("  [紧急支持]")
			}
			printTurnFooter(res.Emotion, res.Sources)

			emotion := core.EmotionNormal
			if res.Emotion != nil {
				emotion = res.Emotion.Current
			}
			if err := a.store.AddMessage(ctx, &store.Message{Role: store.RoleUser, Content: text}); err != nil {
				return err
			}
			return a.store.AddMessage(ctx, &store.Message{
				Role:    store.RoleAssistant,
				Content: res.Response,
				Emotion: emotion,
				Sources: res.Sources,
			})
		},
	}
}

func cmdNew(a *app) *cli.Command {
	return &cli.Command{
		Name:  "new",
		Usage: "Clear the conversation and start over",
		Action: func(ctx context.Context, _ *cli.Command) error {
			session, release := a.session(ctx)
			defer release()
			return startOver(ctx, session, a.avatar)
		},
	}
}

func cmdHistory(a *app) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Print the stored conversation",
		Action: func(ctx context.Context, _ *cli.Command) error {
			messages, err := a.store.Messages(ctx)
			if err != nil {
				return err
			}
			if len(messages) == 0 {
				fmt.Println("(empty)")
				return nil
			}
			for _, m := range messages {
				who := "你:"
				if m.Role == store.RoleAssistant {
					who = avatarName
				}
				fmt.Printf("%s %s %s\n", m.Timestamp.Local().Format(time.DateTime), who, m.Content)
			}
			return nil
		},
	}
}
