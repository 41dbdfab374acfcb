// Package keyring keeps the node identity key sealed at rest in the store.
//
// The secp256k1 secret is encrypted with XChaCha20-Poly1305 under a key
// derived from the passphrase with Argon2id. The peer id is kept in clear
// next to it, and authenticated as additional data, so it can be shown
// without the passphrase.
package keyring

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/andrebq/peermux/internal/store"
	"github.com/andrebq/peermux/relay/peerid"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

type (
	// Params tune the Argon2id derivation, they are stored with the key.
	Params struct {
		Time    uint32 `json:"time"`
		Memory  uint32 `json:"memory"`
		Threads uint8  `json:"threads"`
	}

	Keyring struct {
		st     *store.Store
		params Params
	}

	sealedKey struct {
		Version    int       `json:"version"`
		PeerID     peerid.ID `json:"peer_id"`
		Params     Params    `json:"params"`
		Salt       []byte    `json:"salt"`
		Nonce      []byte    `json:"nonce"`
		Ciphertext []byte    `json:"ciphertext"`
	}
)

const (
	// NodeKey is the store key holding the sealed identity.
	NodeKey = "identity/node-key"

	sealVersion = 1
	saltSize    = 16
)

var (
	ErrBadPassphrase = errors.New("keyring: wrong passphrase or corrupted key")
	ErrExists        = errors.New("keyring: identity already exists")
	ErrNoIdentity    = errors.New("keyring: identity not found")

	DefaultParams = Params{Time: 1, Memory: 64 * 1024, Threads: 4}
)

func New(st *store.Store) *Keyring {
	return &Keyring{st: st, params: DefaultParams}
}

// WithParams returns a keyring that seals new keys with p.
func (k *Keyring) WithParams(p Params) *Keyring {
	return &Keyring{st: k.st, params: p}
}

// Create generates and seals a new identity. It fails with ErrExists if the
// store already has one.
func (k *Keyring) Create(ctx context.Context, passphrase []byte) (*secp256k1.PrivateKey, error) {
	ops := k.st.Ops(true)
	defer ops.Close()
	kv := ops.KV()
	if kv.GetBytes(ctx, nil, NodeKey) != nil {
		return nil, ErrExists
	}
	if err := kv.Err(); err != nil {
		return nil, err
	}

	key, _, err := peerid.Generate()
	if err != nil {
		return nil, err
	}
	sealed, err := seal(key, passphrase, k.params)
	if err != nil {
		return nil, err
	}
	if err := store.PutJSON(ctx, kv, NodeKey, sealed); err != nil {
		ops.Fail(err)
		return nil, fmt.Errorf("keyring: unable to save identity: %w", err)
	}
	if err := ops.Commit(); err != nil {
		return nil, fmt.Errorf("keyring: unable to save identity: %w", err)
	}
	return key, nil
}

// Load opens the stored identity.
func (k *Keyring) Load(ctx context.Context, passphrase []byte) (*secp256k1.PrivateKey, error) {
	sealed, err := k.read(ctx)
	if err != nil {
		return nil, err
	}
	return sealed.open(passphrase)
}

// LoadOrCreate opens the stored identity, creating it on first use.
func (k *Keyring) LoadOrCreate(ctx context.Context, passphrase []byte) (*secp256k1.PrivateKey, bool, error) {
	key, err := k.Load(ctx, passphrase)
	if errors.Is(err, ErrNoIdentity) {
		key, err = k.Create(ctx, passphrase)
		return key, err == nil, err
	}
	return key, false, err
}

// PeerID returns the stored identity without opening it.
func (k *Keyring) PeerID(ctx context.Context) (peerid.ID, error) {
	sealed, err := k.read(ctx)
	if err != nil {
		return peerid.ID{}, err
	}
	return sealed.PeerID, nil
}

func (k *Keyring) read(ctx context.Context) (*sealedKey, error) {
	ops := k.st.Ops(false)
	defer ops.Close()
	var sealed sealedKey
	err := store.GetJSON(ctx, &sealed, ops.KV(), NodeKey)
	switch {
	case store.IsNotFound(err):
		return nil, ErrNoIdentity
	case err != nil:
		return nil, fmt.Errorf("keyring: unable to read identity: %w", err)
	case sealed.Version != sealVersion:
		return nil, fmt.Errorf("keyring: unsupported key version %v", sealed.Version)
	}
	return &sealed, nil
}

func seal(key *secp256k1.PrivateKey, passphrase []byte, p Params) (*sealedKey, error) {
	sk := &sealedKey{
		Version: sealVersion,
		PeerID:  peerid.FromPublicKey(key.PubKey()),
		Params:  p,
		Salt:    make([]byte, saltSize),
		Nonce:   make([]byte, chacha20poly1305.NonceSizeX),
	}
	if _, err := rand.Read(sk.Salt); err != nil {
		return nil, err
	}
	if _, err := rand.Read(sk.Nonce); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(derive(passphrase, sk.Salt, p))
	if err != nil {
		return nil, err
	}
	secret := key.Key.Bytes()
	sk.Ciphertext = aead.Seal(nil, sk.Nonce, secret[:], sk.PeerID[:])
	return sk, nil
}

func (sk *sealedKey) open(passphrase []byte) (*secp256k1.PrivateKey, error) {
	aead, err := chacha20poly1305.NewX(derive(passphrase, sk.Salt, sk.Params))
	if err != nil {
		return nil, err
	}
	if len(sk.Nonce) != aead.NonceSize() {
		return nil, ErrBadPassphrase
	}
	secret, err := aead.Open(nil, sk.Nonce, sk.Ciphertext, sk.PeerID[:])
	if err != nil {
		return nil, ErrBadPassphrase
	}
	key := secp256k1.PrivKeyFromBytes(secret)
	if peerid.FromPublicKey(key.PubKey()) != sk.PeerID {
		return nil, ErrBadPassphrase
	}
	return key, nil
}

func derive(passphrase, salt []byte, p Params) []byte {
	return argon2.IDKey(passphrase, salt, p.Time, p.Memory, p.Threads, chacha20poly1305.KeySize)
}
