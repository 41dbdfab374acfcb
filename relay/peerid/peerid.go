// Package peerid holds the fixed-size identifier used to address peers over
// the relay: a compressed secp256k1 public key.
package peerid

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Size of a compressed public key.
const Size = secp256k1.PubKeyBytesLenCompressed

type (
	// ID is the address of a peer and the key of the multiplexer address table.
	ID [Size]byte
)

var (
	errInvalidLength = errors.New("peerid: invalid length")
	errInvalidKey    = errors.New("peerid: not a compressed secp256k1 public key")
)

// FromBytes copies buf into an ID. Only the length is checked, routing code
// must not care whether the bytes are a valid curve point.
func FromBytes(buf []byte) (ID, error) {
	var id ID
	if len(buf) != Size {
		return id, fmt.Errorf("%w: got %v bytes", errInvalidLength, len(buf))
	}
	copy(id[:], buf)
	return id, nil
}

// Parse validates buf as a compressed public key.
func Parse(buf []byte) (ID, error) {
	id, err := FromBytes(buf)
	if err != nil {
		return id, err
	}
	if _, err := secp256k1.ParsePubKey(buf); err != nil {
		return ID{}, fmt.Errorf("%w: %v", errInvalidKey, err)
	}
	return id, nil
}

// ParseHex is Parse for the 66 character hex form.
func ParseHex(str string) (ID, error) {
	buf, err := hex.DecodeString(str)
	if err != nil {
		return ID{}, fmt.Errorf("peerid: %w", err)
	}
	return Parse(buf)
}

// DecodeHex is FromBytes for the hex form.
func DecodeHex(str string) (ID, error) {
	buf, err := hex.DecodeString(str)
	if err != nil {
		return ID{}, fmt.Errorf("peerid: %w", err)
	}
	return FromBytes(buf)
}

// MustParseHex panics if str is not a valid id.
func MustParseHex(str string) ID {
	id, err := ParseHex(str)
	if err != nil {
		panic(err)
	}
	return id
}

// FromPublicKey returns the id of key.
func FromPublicKey(key *secp256k1.PublicKey) ID {
	var id ID
	copy(id[:], key.SerializeCompressed())
	return id
}

// Generate a new private key and its id.
func Generate() (*secp256k1.PrivateKey, ID, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, ID{}, fmt.Errorf("peerid: unable to generate key: %w", err)
	}
	return priv, FromPublicKey(priv.PubKey()), nil
}

func (id ID) Bytes() []byte   { return append([]byte(nil), id[:]...) }
func (id ID) String() string  { return hex.EncodeToString(id[:]) }
func (id ID) IsZero() bool    { return id == ID{} }
func (id ID) Short() string   { return hex.EncodeToString(id[:4]) }
func (id ID) Less(o ID) bool  { return bytes.Compare(id[:], o[:]) < 0 }
func (id ID) Equal(o ID) bool { return id == o }

// MarshalJSON encodes the id as an array of byte values, which is what the
// relay expects in control commands.
func (id ID) MarshalJSON() ([]byte, error) {
	vals := make([]int, Size)
	for i, b := range id {
		vals[i] = int(b)
	}
	return json.Marshal(vals)
}

// UnmarshalJSON accepts either the byte array form or a hex string.
func (id *ID) UnmarshalJSON(buf []byte) error {
	buf = bytes.TrimSpace(buf)
	if len(buf) > 0 && buf[0] == '"' {
		var str string
		if err := json.Unmarshal(buf, &str); err != nil {
			return err
		}
		raw, err := hex.DecodeString(str)
		if err != nil {
			return fmt.Errorf("peerid: %w", err)
		}
		parsed, err := FromBytes(raw)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	}
	var vals []int
	if err := json.Unmarshal(buf, &vals); err != nil {
		return fmt.Errorf("peerid: %w", err)
	}
	if len(vals) != Size {
		return fmt.Errorf("%w: got %v bytes", errInvalidLength, len(vals))
	}
	var parsed ID
	for i, v := range vals {
		if v < 0 || v > 255 {
			return fmt.Errorf("peerid: byte out of range at %v: %v", i, v)
		}
		parsed[i] = byte(v)
	}
	*id = parsed
	return nil
}
