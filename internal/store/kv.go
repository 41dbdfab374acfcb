package store

import (
	"context"
	"database/sql"
	"errors"
)

type (
	KVOps interface {
		SetBytes(context.Context, string, []byte)
		GetBytes(context.Context, []byte, string) []byte
		Delete(context.Context, string)
		Err() error
	}

	kvops struct {
		sqler Ops
		err   error

		clock txclock

		cached map[string][]byte
	}
)

// GetBytes appends the value of key to out. A missing key returns nil, an
// existing key never does.
func (kv *kvops) GetBytes(ctx context.Context, out []byte, key string) []byte {
	if kv.Err() != nil {
		return nil
	}
	if out == nil {
		out = []byte{}
	}
	if buf, ok := kv.cached[key]; ok {
		return append(out, buf...)
	}
	var buf []byte
	err := kv.sqler.QueryRowContext(ctx, "select item_val from dt_key_value where item_key = $1", key).Scan(&buf)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		kv.err = err
		return nil
	}
	kv.cached[key] = buf
	return append(out, buf...)
}

// SetBytes stores a copy of buf under key.
func (kv *kvops) SetBytes(ctx context.Context, key string, buf []byte) {
	if kv.Err() != nil {
		return
	}
	if buf == nil {
		buf = []byte{}
	}
	_, kv.err = kv.sqler.ExecContext(ctx,
		`insert into dt_key_value
		(item_key, item_val, clk_updated_at_unixms, clk_trid)
		values
		($1, $2, $3, $4)
		on conflict (item_key) do
			update set
				item_val = excluded.item_val,
				clk_updated_at_unixms = excluded.clk_updated_at_unixms,
				clk_trid = excluded.clk_trid`,
		key, buf, kv.clock.ts.UnixMilli(), kv.clock.trid)
	if kv.err == nil {
		kv.cached[key] = append([]byte(nil), buf...)
	}
}

func (kv *kvops) Delete(ctx context.Context, key string) {
	if kv.Err() != nil {
		return
	}
	_, kv.err = kv.sqler.ExecContext(ctx, "delete from dt_key_value where item_key = $1", key)
	delete(kv.cached, key)
}

func (kv *kvops) Err() error {
	if kv.err != nil {
		return kv.err
	}
	return kv.sqler.Err()
}
