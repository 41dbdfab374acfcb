package store

import (
	"context"
	"encoding/json"
	"fmt"
)

type (
	HasError interface {
		Err() error
	}
	ByteOps interface {
		HasError
		GetBytes(context.Context, []byte, string) []byte
		SetBytes(context.Context, string, []byte)
	}
)

// GetJSON decodes the value under key into out, a missing key is reported
// with an error matching IsNotFound.
func GetJSON(ctx context.Context, out any, ops ByteOps, key string) error {
	buf := ops.GetBytes(ctx, nil, key)
	if err := ops.Err(); err != nil {
		return err
	}
	if buf == nil {
		return fmt.Errorf("%w: %v", errNotFound, key)
	}
	return json.Unmarshal(buf, out)
}

func PutJSON(ctx context.Context, ops ByteOps, key string, val any) error {
	buf, err := json.Marshal(val)
	if err != nil {
		return err
	}
	ops.SetBytes(ctx, key, buf)
	return ops.Err()
}
