package identity

import (
	"fmt"
	"log/slog"

	"github.com/andrebq/peermux/cmd/peermux/env"
	"github.com/andrebq/peermux/relay/peerid"
	"github.com/urfave/cli/v2"
)

func Cmd(e *env.Env) *cli.Command {
	return &cli.Command{
		Name:  "identity",
		Usage: "Manage the node identity key",
		Subcommands: []*cli.Command{
			initCmd(e),
			showCmd(e),
		},
	}
}

func initCmd(e *env.Env) *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Generates a new identity and prints its peer id",
		Action: func(ctx *cli.Context) error {
			st, err := e.OpenStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if e.Passphrase == "" {
				slog.Warn("Identity key is sealed with an empty passphrase")
			}
			key, err := e.Keyring(st).Create(ctx.Context, e.PassphraseBytes())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(ctx.App.Writer, peerid.FromPublicKey(key.PubKey()))
			return err
		},
	}
}

func showCmd(e *env.Env) *cli.Command {
	return &cli.Command{
		Name:  "show",
		Usage: "Prints the peer id of this node",
		Action: func(ctx *cli.Context) error {
			st, err := e.OpenStore()
			if err != nil {
				return err
			}
			defer st.Close()
			id, err := e.Keyring(st).PeerID(ctx.Context)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(ctx.App.Writer, id)
			return err
		},
	}
}
