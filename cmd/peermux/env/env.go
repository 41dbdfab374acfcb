// Package env carries the global flags shared by every command.
package env

import (
	"fmt"

	"github.com/andrebq/peermux/internal/commonpaths"
	"github.com/andrebq/peermux/internal/keyring"
	"github.com/andrebq/peermux/internal/store"
)

type (
	Env struct {
		DataDir    string
		Passphrase string
	}
)

func New() *Env {
	return &Env{DataDir: commonpaths.DefaultDataDir()}
}

// OpenStore opens the node database under DataDir.
func (e *Env) OpenStore() (*store.Store, error) {
	dir, err := commonpaths.Expand(e.DataDir)
	if err != nil {
		return nil, fmt.Errorf("invalid data dir %q: %w", e.DataDir, err)
	}
	return store.Open(dir)
}

func (e *Env) Keyring(st *store.Store) *keyring.Keyring {
	return keyring.New(st)
}

func (e *Env) PassphraseBytes() []byte {
	return []byte(e.Passphrase)
}
