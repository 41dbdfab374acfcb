package app

import (
	"context"
	"log/slog"
	"strings"

	"github.com/andrebq/peermux/cmd/peermux/env"
	"github.com/andrebq/peermux/cmd/peermux/identity"
	"github.com/andrebq/peermux/cmd/peermux/peers"
	"github.com/andrebq/peermux/cmd/peermux/session"
	"github.com/andrebq/peermux/internal/flagutil"
	"github.com/urfave/cli/v2"
)

func Instance() *cli.App {
	loglevel := "info"
	e := env.New()
	passphrase := flagutil.String(&e.Passphrase, "passphrase", nil, "Passphrase protecting the node identity key", false)
	passphrase.Hidden = true
	return &cli.App{
		Name:  "peermux",
		Usage: "Reach many peers through a single relay connection",
		Commands: []*cli.Command{
			identity.Cmd(e),
			session.Cmd(e),
			peers.Cmd(e),
		},
		Flags: []cli.Flag{
			flagutil.String(&loglevel, "log-level", nil, "Verbosity of log, valid values are: debug, info, warn, error", false),
			flagutil.String(&e.DataDir, "data-dir", nil, "Directory holding the node database", false),
			passphrase,
		},
		Before: func(ctx *cli.Context) error {
			level := slog.LevelInfo
			switch strings.ToLower(loglevel) {
			case "debug":
				level = slog.LevelDebug
			case "warn":
				level = slog.LevelWarn
			case "error":
				level = slog.LevelError
			}
			logger := slog.New(slog.NewTextHandler(ctx.App.ErrWriter, &slog.HandlerOptions{
				Level: level,
			}))
			slog.SetDefault(logger)
			return nil
		},
	}
}

func Run(ctx context.Context, args []string) error {
	app := Instance()
	return app.RunContext(ctx, args)
}
