package termchan

import (
	"bytes"
	"encoding/base64"
	"fmt"
)

// Kind classifies a hidden-channel message.
type Kind int

const (
	KindUnknown Kind = iota
	KindMagic
	KindPing
	KindNop
	KindExit
	KindBinary
)

func (k Kind) String() string {
	switch k {
	case KindMagic:
		return "magic"
	case KindPing:
		return "ping"
	case KindNop:
		return "nop"
	case KindExit:
		return "exit"
	case KindBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Literal tokens. Magic is the agent handshake and already carries the
// delimiter.
const (
	TokenPing = "PING"
	TokenNop  = "NOP"
	TokenExit = "EXIT"
	Magic     = "MAGIC!"

	binaryTag = 'B'
)

// Message is a decoded hidden-channel frame.
type Message struct {
	Kind Kind
	// Data holds the decoded packet for KindBinary and the raw frame for
	// KindUnknown.
	Data []byte
}

// Token returns a delimited literal message.
func Token(tok string) []byte {
	return append([]byte(tok), Delimiter)
}

// EncodeBinary returns the delimited message carrying a binary packet.
func EncodeBinary(packet []byte) []byte {
	out := make([]byte, 1+base64.StdEncoding.EncodedLen(len(packet))+1)
	out[0] = binaryTag
	base64.StdEncoding.Encode(out[1:], packet)
	out[len(out)-1] = Delimiter
	return out
}

// Hidden returns msg ready to be written to a terminal: agent to server.
func Hidden(msg []byte) []byte {
	return Embed(msg)
}

// Plain returns msg ready to be typed into the agent's stdin: server to agent.
func Plain(msg []byte) []byte {
	out := make([]byte, 0, len(msg)+1)
	out = append(out, msg...)
	return append(out, '\n')
}

// ParseMessage decodes one frame as returned by Codec.PopOutput or
// Splitter. The trailing delimiter is optional.
func ParseMessage(frame []byte) (Message, error) {
	if bytes.Equal(frame, []byte(Magic)) {
		return Message{Kind: KindMagic}, nil
	}
	body := bytes.TrimSuffix(frame, []byte{Delimiter})
	switch string(body) {
	case "MAGIC":
		return Message{Kind: KindMagic}, nil
	case TokenPing:
		return Message{Kind: KindPing}, nil
	case TokenNop:
		return Message{Kind: KindNop}, nil
	case TokenExit:
		return Message{Kind: KindExit}, nil
	}
	if len(body) > 0 && body[0] == binaryTag {
		data := make([]byte, base64.StdEncoding.DecodedLen(len(body)-1))
		n, err := base64.StdEncoding.Decode(data, body[1:])
		if err != nil {
			return Message{}, fmt.Errorf("termchan: decode binary frame: %w", err)
		}
		return Message{Kind: KindBinary, Data: data[:n]}, nil
	}
	return Message{Kind: KindUnknown, Data: frame}, nil
}
