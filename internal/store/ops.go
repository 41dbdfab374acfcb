package store

import (
	"context"
	"database/sql"
)

func (o *ops) KV() KVOps {
	return &kvops{
		err:    o.err,
		sqler:  o,
		clock:  o.clock,
		cached: make(map[string][]byte),
	}
}

func (o *ops) Peers() PeerOps {
	return &peerOps{
		sqler: o,
		clock: o.clock,
	}
}

func (o *ops) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := o.Err(); err != nil {
		return nil, err
	}
	return o.tx.ExecContext(ctx, query, args...)
}

func (o *ops) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := o.Err(); err != nil {
		return nil, err
	}
	return o.tx.QueryContext(ctx, query, args...)
}

func (o *ops) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return o.tx.QueryRowContext(ctx, query, args...)
}

func (o *ops) Commit() error {
	if o.closed {
		return o.err
	}
	if o.err != nil {
		return o.Rollback()
	}
	o.closed = true
	o.err = o.tx.Commit()
	return o.err
}

func (o *ops) Rollback() error {
	if o.closed {
		return nil
	}
	o.closed = true
	err := o.tx.Rollback()
	if o.err == nil {
		o.err = err
	}
	return err
}

func (o *ops) Close() error {
	switch {
	case o.closed:
		return o.err
	case o.autocommit && o.err == nil:
		return o.Commit()
	default:
		o.Rollback()
		return o.err
	}
}

func (o *ops) Err() error {
	return o.err
}

// Fail marks the transaction as failed, Close will roll it back.
func (o *ops) Fail(err error) {
	switch {
	case err == nil:
		return
	case o.err != nil:
		// already failed
		return
	default:
		o.err = err
	}
}
