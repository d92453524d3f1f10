package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/xingchen-labs/emotion-companion/internal/avatar"
	"github.com/xingchen-labs/emotion-companion/internal/client"
	"github.com/xingchen-labs/emotion-companion/internal/companion"
	"github.com/xingchen-labs/emotion-companion/internal/logging"
	"github.com/xingchen-labs/emotion-companion/internal/store"
)

const avatarName = "小星:"

type app struct {
	serverURL  string
	dbPath     string
	defaultKey string
	avatar     bool
	logLevel   string
	logFormat  string

	store *store.SQLiteStore
}

func (a *app) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "server",
			Usage:       "Companion server base URL",
			Value:       "http://localhost:3001",
			Sources:     cli.EnvVars("COMPANION_SERVER"),
			Destination: &a.serverURL,
		},
		&cli.StringFlag{
			Name:        "db",
			Usage:       "Path of the local state database",
			Value:       "companion.db",
			Sources:     cli.EnvVars("COMPANION_DB"),
			Destination: &a.dbPath,
		},
		&cli.StringFlag{
			Name:        "default-api-key",
			Usage:       "Model key sent when none is stored (empty uses the server's key)",
			Sources:     cli.EnvVars("COMPANION_DEFAULT_API_KEY"),
			Destination: &a.defaultKey,
		},
		&cli.BoolFlag{
			Name:        "avatar",
			Usage:       "Render the avatar in the terminal",
			Sources:     cli.EnvVars("COMPANION_AVATAR"),
			Destination: &a.avatar,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "warn",
			Sources:     cli.EnvVars("COMPANION_LOG_LEVEL"),
			Destination: &a.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       "console",
			Sources:     cli.EnvVars("COMPANION_LOG_FORMAT"),
			Destination: &a.logFormat,
		},
	}
}

func (a *app) before(ctx context.Context, _ *cli.Command) (context.Context, error) {
	if _, err := logging.Configure(a.logLevel, a.logFormat, os.Stderr); err != nil {
		return ctx, err
	}
	st, err := store.NewSQLiteStore(a.dbPath)
	if err != nil {
		return ctx, goerr.Wrap(err, "failed to open local state", goerr.V("db", a.dbPath))
	}
	a.store = st
	return ctx, nil
}

func (a *app) after(_ context.Context, _ *cli.Command) error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

func (a *app) client() *client.Client {
	return client.New(a.serverURL,
		client.WithKeySource(a.store),
		client.WithDefaultKey(a.defaultKey),
	)
}

// session builds a turn driver, with the terminal avatar when enabled and
// configured. The returned func releases the avatar.
func (a *app) session(ctx context.Context) (*companion.Session, func()) {
	c := a.client()
	if !a.avatar {
		return companion.NewSession(a.store, c), func() {}
	}

	cfg := avatar.Config{ContainerID: "terminal"}
	if keys, err := a.store.Keys(ctx); err == nil {
		cfg.AppID = keys.AvatarAppID
		cfg.AppSecret = keys.AvatarAppSecret
	}
	ctrl := avatar.NewController(cfg, avatar.NewConsoleFactory(os.Stdout, avatarName))
	if err := ctrl.Initialize(ctx); err != nil {
		logging.Default().Warn("avatar disabled", "error", err)
		return companion.NewSession(a.store, c), func() {}
	}
	return companion.NewSession(a.store, c, companion.WithAvatar(ctrl)), ctrl.Destroy
}

func newCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:   "companion",
		Usage:  "Talk to the emotion companion from a terminal",
		Flags:  a.flags(),
		Before: a.before,
		After:  a.after,
		Commands: []*cli.Command{
			cmdChat(a),
			cmdSend(a),
			cmdNew(a),
			cmdHistory(a),
			cmdMemory(a),
			cmdKeys(a),
			cmdEmotion(a),
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand(&app{}).Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
