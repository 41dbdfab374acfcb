package store

import (
	"context"
	"fmt"
	"time"

	"github.com/andrebq/peermux/relay/peerid"
)

type (
	// PeerEvent is one row of the peer event log.
	PeerEvent struct {
		Session string    `json:"session"`
		Peer    peerid.ID `json:"peer"`
		Socket  uint64    `json:"socket"`
		Event   string    `json:"event"`
		Inbound bool      `json:"inbound"`
		Reason  string    `json:"reason,omitempty"`
		At      time.Time `json:"at"`
	}

	PeerOps interface {
		Record(ctx context.Context, ev PeerEvent) error
		// Recent returns the latest event of each peer, newest first.
		Recent(ctx context.Context, limit int) ([]PeerEvent, error)
		// History returns every event of peer, oldest first.
		History(ctx context.Context, peer peerid.ID) ([]PeerEvent, error)
	}

	peerOps struct {
		sqler Ops
		clock txclock
	}
)

const (
	EventOpened = "opened"
	EventClosed = "closed"
)

// Record inserts ev, a zero At is replaced by the transaction time.
func (p *peerOps) Record(ctx context.Context, ev PeerEvent) error {
	at := ev.At
	if at.IsZero() {
		at = p.clock.ts
	}
	_, err := p.sqler.ExecContext(ctx, `insert into dt_peer_events
		(session_id, peer_id, socket_id, event, inbound, reason, clk_updated_at_unixms, clk_trid)
		values
		($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.Session, ev.Peer.String(), int64(ev.Socket), ev.Event, ev.Inbound, ev.Reason, at.UnixMilli(), p.clock.trid)
	if err != nil {
		return fmt.Errorf("store: unable to record peer event: %w", err)
	}
	return nil
}

func (p *peerOps) Recent(ctx context.Context, limit int) ([]PeerEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.query(ctx, `select session_id, peer_id, socket_id, event, inbound, reason, clk_updated_at_unixms
		from dt_peer_events e
		where e.event_id = (select max(event_id) from dt_peer_events l where l.peer_id = e.peer_id)
		order by e.event_id desc
		limit $1`, limit)
}

func (p *peerOps) History(ctx context.Context, peer peerid.ID) ([]PeerEvent, error) {
	return p.query(ctx, `select session_id, peer_id, socket_id, event, inbound, reason, clk_updated_at_unixms
		from dt_peer_events
		where peer_id = $1
		order by event_id`, peer.String())
}

func (p *peerOps) query(ctx context.Context, query string, args ...any) ([]PeerEvent, error) {
	rows, err := p.sqler.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ret []PeerEvent
	for rows.Next() {
		var ev PeerEvent
		var peer string
		var socket, at int64
		if err := rows.Scan(&ev.Session, &peer, &socket, &ev.Event, &ev.Inbound, &ev.Reason, &at); err != nil {
			return nil, err
		}
		if ev.Peer, err = peerid.DecodeHex(peer); err != nil {
			return nil, fmt.Errorf("store: invalid peer id %q: %w", peer, err)
		}
		ev.Socket = uint64(socket)
		ev.At = time.UnixMilli(at)
		ret = append(ret, ev)
	}
	return ret, rows.Err()
}
