// Package wire implements the frame-level message envelope: a
// {timestamp, tagged body} pair that can round-trip through either a compact
// binary-packed encoding or a textual (JSON) encoding on the same channel,
// plus the full catalogue of message kinds and payloads.
//
// Binary packing uses github.com/ugorji/go/codec's MessagePack handle;
// textual encoding is plain encoding/json.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ugorji/go/codec"
)

// Format identifies which encoding a peer's frames currently use.
type Format int

const (
	// FormatBinary is the default format for a freshly opened connection.
	FormatBinary Format = iota
	FormatTextual
)

// ErrMalformedMessage is returned when a frame cannot be decoded into an
// Envelope at all (not merely an unrecognized Kind).
var ErrMalformedMessage = errors.New("wire: malformed message")

// Envelope is the generic {timestamp, tag, body} shape every message shares.
// Body carries the format-specific encoded bytes of the concrete payload;
// callers decode it further with DecodeBody once Kind is known.
type Envelope struct {
	Timestamp uint64
	Kind      string
	Body      []byte
}

// binaryFrame and textFrame are the on-the-wire shapes for each format. They
// exist only to drive (de)serialization; callers never see them directly.
type binaryFrame struct {
	T uint64     `codec:"t"`
	M string     `codec:"m"`
	B codec.Raw  `codec:"b"`
}

type textFrame struct {
	T uint64          `json:"t"`
	M string          `json:"m"`
	B json.RawMessage `json:"b"`
}

// mpHandle enables Raw so binaryFrame.B round-trips as pre-encoded bytes.
var mpHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.Raw = true
	return h
}()

// Encode marshals a concrete payload under the given format and wraps it in
// an envelope frame ready to write to the transport.
func Encode(format Format, timestamp uint64, kind string, payload any) ([]byte, error) {
	switch format {
	case FormatTextual:
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("wire: encode body: %w", err)
		}
		return json.Marshal(textFrame{T: timestamp, M: kind, B: body})
	default:
		var body []byte
		if err := codec.NewEncoderBytes(&body, mpHandle).Encode(payload); err != nil {
			return nil, fmt.Errorf("wire: encode body: %w", err)
		}
		var out []byte
		if err := codec.NewEncoderBytes(&out, mpHandle).Encode(binaryFrame{T: timestamp, M: kind, B: body}); err != nil {
			return nil, fmt.Errorf("wire: encode frame: %w", err)
		}
		return out, nil
	}
}

// Decode unwraps a frame into its envelope, leaving Body in its
// format-specific encoded form for a subsequent DecodeBody call.
func Decode(format Format, data []byte) (Envelope, error) {
	switch format {
	case FormatTextual:
		var f textFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return Envelope{Timestamp: f.T, Kind: f.M, Body: f.B}, nil
	default:
		var f binaryFrame
		if err := codec.NewDecoderBytes(data, mpHandle).Decode(&f); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return Envelope{Timestamp: f.T, Kind: f.M, Body: f.B}, nil
	}
}

// DecodeBody decodes an Envelope's raw Body into target, using the same
// format the envelope itself was decoded from.
func DecodeBody(format Format, body []byte, target any) error {
	var err error
	switch format {
	case FormatTextual:
		err = json.Unmarshal(body, target)
	default:
		err = codec.NewDecoderBytes(body, mpHandle).Decode(target)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

// PeerCodec tracks the "current format" for one peer: it starts binary,
// and flips to whichever format the last received frame used.
type PeerCodec struct {
	format Format
}

// NewPeerCodec returns a codec in the default (binary) state.
func NewPeerCodec() *PeerCodec {
	return &PeerCodec{format: FormatBinary}
}

// Format returns the peer's current outbound format.
func (p *PeerCodec) Format() Format {
	return p.format
}

// Observe updates the peer's current format from an inbound transport frame
// kind (true for a binary transport frame, false for a textual one).
func (p *PeerCodec) Observe(binaryFrame bool) {
	if binaryFrame {
		p.format = FormatBinary
	} else {
		p.format = FormatTextual
	}
}

// Encode encodes payload in the peer's current format.
func (p *PeerCodec) Encode(timestamp uint64, kind string, payload any) ([]byte, error) {
	return Encode(p.format, timestamp, kind, payload)
}

// Decode decodes a frame observed in the given transport encoding, updating
// the peer's current format as a side effect: receiving a frame in format X
// switches the peer to format X.
func (p *PeerCodec) Decode(binaryFrame bool, data []byte) (Envelope, error) {
	p.Observe(binaryFrame)
	return Decode(p.format, data)
}
