package peers

import (
	"encoding/json"

	"github.com/andrebq/peermux/cmd/peermux/env"
	"github.com/andrebq/peermux/internal/flagutil"
	"github.com/andrebq/peermux/internal/store"
	"github.com/urfave/cli/v2"
)

func Cmd(e *env.Env) *cli.Command {
	limit := 50
	return &cli.Command{
		Name:  "peers",
		Usage: "Prints the last known event of each peer as JSON lines",
		Flags: []cli.Flag{
			flagutil.Int(&limit, "limit", "Maximum number of peers to print"),
		},
		Action: func(ctx *cli.Context) error {
			st, err := e.OpenStore()
			if err != nil {
				return err
			}
			defer st.Close()
			ops := st.Ops(false)
			defer ops.Close()
			events, err := ops.Peers().Recent(ctx.Context, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(ctx.App.Writer)
			for _, ev := range events {
				line := struct {
					store.PeerEvent
					Peer string `json:"peer"`
				}{PeerEvent: ev, Peer: ev.Peer.String()}
				if err := enc.Encode(line); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
