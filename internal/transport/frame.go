// Package transport implements the length-prefixed, bidirectional
// framed channel over TCP that carries HELLO, PING/PONG, GOSSIP,
// CONTROL, and SNAPSHOT frames between peers.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Kind identifies the frame payload schema, per the wire contract: two
// peers differing on frame kind must refuse the session at HELLO_ACK.
type Kind uint8

const (
	KindHello Kind = iota
	KindHelloAck
	KindPing
	KindPong
	KindGossip
	KindControl
	KindSnapshotReq
	KindSnapshotResp
	KindBye
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "HELLO"
	case KindHelloAck:
		return "HELLO_ACK"
	case KindPing:
		return "PING"
	case KindPong:
		return "PONG"
	case KindGossip:
		return "GOSSIP"
	case KindControl:
		return "CONTROL"
	case KindSnapshotReq:
		return "SNAPSHOT_REQ"
	case KindSnapshotResp:
		return "SNAPSHOT_RESP"
	case KindBye:
		return "BYE"
	default:
		return "UNKNOWN"
	}
}

// maxFrameLength bounds a single frame's payload to guard against a
// corrupt or hostile length prefix allocating unbounded memory.
const maxFrameLength = 16 << 20

// Frame is one length-prefixed protocol message: `u32 length | u8 kind
// | payload`. Payload is a self-describing JSON document (see
// SPEC_FULL.md §4.1 for why JSON was chosen over a binary codec).
type Frame struct {
	Kind    Kind
	Payload []byte
}

// Encode marshals v into a Frame of the given kind.
func Encode(kind Kind, v any) (Frame, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("transport: encode %s payload: %w", kind, err)
	}
	return Frame{Kind: kind, Payload: payload}, nil
}

// Decode unmarshals the frame's payload into v.
func (f Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("transport: decode %s payload: %w", f.Kind, err)
	}
	return nil
}

// WriteFrame writes one frame to w: length (4 bytes, big-endian, counts
// kind byte + payload), kind (1 byte), payload.
func WriteFrame(w io.Writer, f Frame) error {
	length := uint32(1 + len(f.Payload))
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[:4], length)
	header[4] = byte(f.Kind)

	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(header[:4])
	if length == 0 {
		return Frame{}, fmt.Errorf("transport: empty frame (missing kind byte)")
	}
	if length > maxFrameLength {
		return Frame{}, fmt.Errorf("transport: frame length %d exceeds max %d", length, maxFrameLength)
	}
	kind := Kind(header[4])

	payload := make([]byte, length-1)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Kind: kind, Payload: payload}, nil
}
