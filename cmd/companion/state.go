package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/xingchen-labs/emotion-companion/internal/companion"
	"github.com/xingchen-labs/emotion-companion/internal/store"
)

func cmdMemory(a *app) *cli.Command {
	return &cli.Command{
		Name:  "memory",
		Usage: "Inspect and edit what the companion remembers",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List memories",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "type", Usage: "Only memories of this type"},
					&cli.StringFlag{Name: "search", Usage: "Only memories whose key or value contains this keyword"},
					&cli.BoolFlag{Name: "important", Usage: "Only memories of importance 4 and above"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					var (
						memories []store.Memory
						err      error
					)
					switch {
					case c.String("type") != "":
						memories, err = a.store.MemoriesByType(ctx, store.MemoryType(c.String("type")))
					case c.String("search") != "":
						memories, err = a.store.SearchMemories(ctx, c.String("search"))
					case c.Bool("important"):
						memories, err = a.store.ImportantMemories(ctx)
					default:
						memories, err = a.store.ListMemories(ctx)
					}
					if err != nil {
						return err
					}
					if len(memories) == 0 {
						fmt.Println("(empty)")
						return nil
					}
					for _, m := range memories {
						fmt.Printf("%s  [%s] %s: %s  (重要度 %d, 提及 %d 次)\n",
							m.ID, m.Type.Label(), m.Key, m.Value, m.Importance, m.MentionCount)
					}
					return nil
				},
			},
			{
				Name:      "add",
				Usage:     "Remember something",
				ArgsUsage: "<key> <value>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "type", Usage: "Memory type", Value: string(store.MemoryPersonalInfo)},
					&cli.IntFlag{Name: "importance", Usage: "Importance from 1 to 5", Value: 3},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.NArg() < 2 {
						return goerr.New("key and value are required")
					}
					m, err := a.store.AddMemory(ctx, store.NewMemory{
						Type:       store.MemoryType(c.String("type")),
						Key:        c.Args().Get(0),
						Value:      strings.Join(c.Args().Slice()[1:], " "),
						Importance: int(c.Int("importance")),
					})
					if errors.Is(err, store.ErrInvalidMemory) {
						return goerr.Wrap(err, "invalid memory", goerr.V("types", store.MemoryTypes))
					}
					if err != nil {
						return err
					}
					fmt.Println(m.ID)
					return nil
				},
			},
			{
				Name:      "delete",
				Usage:     "Forget a memory",
				ArgsUsage: "<id>",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.NArg() != 1 {
						return goerr.New("memory id is required")
					}
					return a.store.DeleteMemory(ctx, c.Args().First())
				},
			},
		},
	}
}

func cmdKeys(a *app) *cli.Command {
	return &cli.Command{
		Name:  "keys",
		Usage: "Manage your own model and avatar credentials",
		Commands: []*cli.Command{
			{
				Name:  "set",
				Usage: "Store credentials; flags left out keep their stored value",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "modelscope", Usage: "ModelScope API key"},
					&cli.StringFlag{Name: "avatar-app-id", Usage: "Avatar app ID"},
					&cli.StringFlag{Name: "avatar-app-secret", Usage: "Avatar app secret"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					var keys store.APIKeys
					stored, err := a.store.Keys(ctx)
					switch {
					case err == nil:
						keys = *stored
					case !errors.Is(err, store.ErrNotFound):
						return err
					}
					for name, field := range map[string]*string{
						"modelscope":        &keys.ModelScopeAPIKey,
						"avatar-app-id":     &keys.AvatarAppID,
						"avatar-app-secret": &keys.AvatarAppSecret,
					} {
						if c.IsSet(name) {
							*field = c.String(name)
						}
					}
					return a.store.SetKeys(ctx, keys)
				},
			},
			{
				Name:  "show",
				Usage: "Print the stored credentials with secrets masked",
				Action: func(ctx context.Context, _ *cli.Command) error {
					stored, err := a.store.Keys(ctx)
					if errors.Is(err, store.ErrNotFound) {
						fmt.Println("(none)")
						return nil
					}
					if err != nil {
						return err
					}
					fmt.Println("modelscope:        ", mask(stored.ModelScopeAPIKey))
					fmt.Println("avatar-app-id:     ", stored.AvatarAppID)
					fmt.Println("avatar-app-secret: ", mask(stored.AvatarAppSecret))
					return nil
				},
			},
			{
				Name:  "clear",
				Usage: "Remove the stored credentials",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return a.store.ClearKeys(ctx)
				},
			},
		},
	}
}

func mask(secret string) string {
	if secret == "" {
		return "(unset)"
	}
	r := []rune(secret)
	if len(r) <= 4 {
		return "****"
	}
	return string(r[:4]) + strings.Repeat("*", len(r)-4)
}

func cmdEmotion(a *app) *cli.Command {
	return &cli.Command{
		Name:  "emotion",
		Usage: "Look back on recorded emotions",
		Commands: []*cli.Command{
			{
				Name:  "stats",
				Usage: fmt.Sprintf("Summarize the last %d days", companion.StatsWindowDays),
				Action: func(ctx context.Context, _ *cli.Command) error {
					records, err := a.store.EmotionHistory(ctx, companion.StatsWindowDays)
					if err != nil {
						return err
					}
					printStats(companion.EmotionStats(records, time.Now()))
					return nil
				},
			},
		},
	}
}

func printStats(s companion.Stats) {
	fmt.Printf("记录 %d 条，今天 %d 条，平均强度 %.0f%%\n", s.Total, s.Today, s.AverageIntensity*100)
	if s.MostCommon != nil {
		fmt.Printf("最常见：%s (%d 次)\n", companion.EmotionLabels[s.MostCommon.Emotion], s.MostCommon.Count)
	}
	for _, e := range s.ByEmotion {
		fmt.Printf("  %-4s %3d  %.0f%%\n", companion.EmotionLabels[e.Emotion], e.Count, e.AverageIntensity*100)
	}
}
