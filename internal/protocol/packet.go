// Package protocol is the optional packet facility: typed packets arriving
// over a link are offered to hooks before the rest of the host sees them.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/valyala/bytebufferpool"
)

// ErrInvalidFrame is returned for packets that cannot be put on the wire.
var ErrInvalidFrame = errors.New("invalid frame")

// Packet is one typed message.
type Packet struct {
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
	Inbound bool   `json:"inbound"`
}

func validType(t string) bool {
	return t != "" && !strings.ContainsAny(t, " \t\r\n")
}

// Encode renders p as a single "TYPE payload\n" line and appends it to dst.
func Encode(dst []byte, p *Packet) ([]byte, error) {
	if !validType(p.Type) {
		return dst, fmt.Errorf("packet type %q: %w", p.Type, ErrInvalidFrame)
	}
	if bytes.ContainsAny(p.Payload, "\r\n") {
		return dst, fmt.Errorf("packet %s: payload contains a line break: %w", p.Type, ErrInvalidFrame)
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.WriteString(p.Type)
	if len(p.Payload) > 0 {
		buf.WriteByte(' ')
		buf.Write(p.Payload)
	}
	buf.WriteByte('\n')
	return append(dst, buf.B...), nil
}

// Decode parses one line (without its terminator) into an inbound packet.
func Decode(line []byte) (*Packet, error) {
	line = bytes.TrimRight(line, "\r")
	typ, payload, _ := bytes.Cut(line, []byte{' '})
	if !validType(string(typ)) {
		return nil, fmt.Errorf("frame %q: %w", line, ErrInvalidFrame)
	}
	return &Packet{
		Type:    string(typ),
		Payload: append([]byte(nil), payload...),
		Inbound: true,
	}, nil
}
