// Package protocol contains the control commands exchanged with the relay on
// text frames. Binary frames never carry commands.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/andrebq/peermux/relay/peerid"
)

type (
	CommandType byte

	Disconnect struct {
		To   peerid.ID `json:"to"`
		From peerid.ID `json:"from"`
	}

	// Command is a tagged union, only the field matching Type is set.
	Command struct {
		Type       CommandType
		Disconnect *Disconnect
	}
)

const (
	Undefined = CommandType(iota)
	Ping
	DisconnectPeer
)

var (
	ErrUnknownCommand   = errors.New("protocol: unknown command")
	ErrMalformedCommand = errors.New("protocol: malformed command")
)

var pingBody = []byte(`{"Ping":{}}`)

func (c CommandType) String() string {
	switch c {
	case Ping:
		return "Ping"
	case DisconnectPeer:
		return "Disconnect"
	default:
		return "Undefined"
	}
}

func NewPing() Command { return Command{Type: Ping} }

func NewDisconnect(to, from peerid.ID) Command {
	return Command{Type: DisconnectPeer, Disconnect: &Disconnect{To: to, From: from}}
}

// Encode returns the text form of the command.
func Encode(c Command) (string, error) {
	buf, err := c.MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// MustEncode is Encode for commands built by this package.
func MustEncode(c Command) string {
	str, err := Encode(c)
	if err != nil {
		panic(err)
	}
	return str
}

// Decode parses a text frame.
func Decode(text string) (Command, error) {
	var c Command
	err := c.UnmarshalJSON([]byte(text))
	return c, err
}

func (c Command) MarshalJSON() ([]byte, error) {
	switch c.Type {
	case Ping:
		return append([]byte(nil), pingBody...), nil
	case DisconnectPeer:
		if c.Disconnect == nil {
			return nil, fmt.Errorf("%w: disconnect without body", ErrMalformedCommand)
		}
		return json.Marshal(map[string]*Disconnect{"Disconnect": c.Disconnect})
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCommand, c.Type)
	}
}

func (c *Command) UnmarshalJSON(buf []byte) error {
	buf = bytes.TrimSpace(buf)
	// unit variants may come as a bare string
	if len(buf) > 0 && buf[0] == '"' {
		var name string
		if err := json.Unmarshal(buf, &name); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedCommand, err)
		}
		if name != Ping.String() {
			return fmt.Errorf("%w: %q", ErrUnknownCommand, name)
		}
		*c = NewPing()
		return nil
	}

	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(buf, &tagged); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("%w: expected exactly one tag, got %v", ErrMalformedCommand, len(tagged))
	}
	for name, body := range tagged {
		switch name {
		case "Ping":
			*c = NewPing()
		case "Disconnect":
			var d Disconnect
			if err := json.Unmarshal(body, &d); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedCommand, err)
			}
			*c = Command{Type: DisconnectPeer, Disconnect: &d}
		default:
			return fmt.Errorf("%w: %q", ErrUnknownCommand, name)
		}
	}
	return nil
}
