package session

import (
	"fmt"
	"log/slog"

	"github.com/andrebq/peermux/cmd/peermux/env"
	"github.com/andrebq/peermux/internal/flagutil"
	"github.com/andrebq/peermux/internal/queue"
	"github.com/andrebq/peermux/relay/mux"
	"github.com/andrebq/peermux/relay/peerid"
	"github.com/urfave/cli/v2"
)

func Cmd(e *env.Env) *cli.Command {
	opts := Options{
		KeepAlive:     mux.DefaultKeepAlive,
		OutboundQueue: mux.DefaultOutboundQueue,
		InboundQueue:  mux.DefaultInboundQueue,
	}
	var relays, peers, allow cli.StringSlice
	overflow := queue.Reject.String()
	return &cli.Command{
		Name:  "connect",
		Usage: "Connects to a relay and keeps the session alive until interrupted",
		Flags: []cli.Flag{
			flagutil.StringSlice(&relays, "relay", []string{"r"}, "Relay websocket URL, can be repeated. {self} is replaced by our peer id and {peer} by the peer in direct mode", true),
			flagutil.StringSlice(&peers, "peer", []string{"p"}, "Hex peer id to open an outbound socket to, can be repeated", false),
			flagutil.StringSlice(&allow, "allow", nil, "Only accept inbound peers in this list", false),
			flagutil.Duration(&opts.KeepAlive, "keepalive", "Interval between keep-alive pings and reconnect attempts"),
			flagutil.Bool(&opts.Direct, "direct", nil, "Use the whole relay connection for a single peer"),
			flagutil.Bool(&opts.Echo, "echo", nil, "Send every payload back to its sender"),
			flagutil.String(&opts.Hello, "hello", nil, "Payload sent to every outbound peer once connected", false),
			flagutil.String(&opts.MetricsAddr, "metrics-addr", nil, "Address serving prometheus metrics, empty disables it", false),
			flagutil.String(&overflow, "overflow", nil, "What to do when a queue is full: reject or drop-oldest", false),
			flagutil.Int(&opts.OutboundQueue, "outbound-queue", "Capacity of the shared outbound queue"),
			flagutil.Int(&opts.InboundQueue, "inbound-queue", "Capacity of each socket inbound queue"),
		},
		Action: func(ctx *cli.Context) error {
			var err error
			opts.RelayURLs = relays.Value()
			if opts.Overflow, err = queue.ParsePolicy(overflow); err != nil {
				return err
			}
			if opts.Peers, err = parsePeers(peers.Value()); err != nil {
				return err
			}
			if opts.Allow, err = parsePeers(allow.Value()); err != nil {
				return err
			}

			st, err := e.OpenStore()
			if err != nil {
				return err
			}
			defer st.Close()
			key, created, err := e.Keyring(st).LoadOrCreate(ctx.Context, e.PassphraseBytes())
			if err != nil {
				return err
			}
			self := peerid.FromPublicKey(key.PubKey())
			if created {
				slog.Info("Created new node identity", "peer", self.String())
			}
			return Run(ctx.Context, st, self, opts)
		},
	}
}

func parsePeers(values []string) ([]peerid.ID, error) {
	ret := make([]peerid.ID, 0, len(values))
	for _, v := range values {
		id, err := peerid.ParseHex(v)
		if err != nil {
			return nil, fmt.Errorf("session: invalid peer %q: %w", v, err)
		}
		ret = append(ret, id)
	}
	return ret, nil
}
