package proto

import (
	"io"

	"github.com/hashicorp/go-msgpack/codec"
)

// handle is shared by every encoder/decoder this package creates. It is
// configured exactly the way the teacher configures its own RPC
// encoder/decoder in client/rpc_client.go.
var handle = &codec.MsgpackHandle{RawToString: true, WriteExt: true}

// Encoder writes WireHeaders and message bodies to an underlying stream.
type Encoder struct {
	enc *codec.Encoder
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: codec.NewEncoder(w, handle)}
}

// EncodeHeader writes h.
func (e *Encoder) EncodeHeader(h WireHeader) error {
	return e.enc.Encode(h)
}

// EncodeBody writes an arbitrary, already-selected body value.
func (e *Encoder) EncodeBody(body interface{}) error {
	return e.enc.Encode(body)
}

// Decoder reads WireHeaders and message bodies from an underlying stream.
type Decoder struct {
	dec *codec.Decoder
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: codec.NewDecoder(r, handle)}
}

// DecodeHeader reads the next WireHeader.
func (d *Decoder) DecodeHeader() (WireHeader, error) {
	var h WireHeader
	err := d.dec.Decode(&h)
	return h, err
}

// DecodeBody decodes the frame body appropriate to kind, returning it as
// an interface{} holding a pointer to the concrete body type. An unknown
// Kind returns ErrUnknownKind without consuming more than the discriminant
// already read by DecodeHeader — the caller is still responsible for
// draining the stream via boundary resync.
func (d *Decoder) DecodeBody(kind Kind) (interface{}, error) {
	switch kind {
	case KindCall, KindCallFetch, KindCallWait, KindRemoteDo:
		var b CallBody
		if err := d.dec.Decode(&b); err != nil {
			return nil, err
		}
		return &b, nil
	case KindResult:
		var b ResultBody
		if err := d.dec.Decode(&b); err != nil {
			return nil, err
		}
		return &b, nil
	case KindIdentifySocket:
		var b IdentifySocketBody
		if err := d.dec.Decode(&b); err != nil {
			return nil, err
		}
		return &b, nil
	case KindIdentifySocketAck:
		var b IdentifySocketAckBody
		if err := d.dec.Decode(&b); err != nil {
			return nil, err
		}
		return &b, nil
	case KindJoinPGRP:
		var b JoinPGRPBody
		if err := d.dec.Decode(&b); err != nil {
			return nil, err
		}
		return &b, nil
	case KindJoinComplete:
		var b JoinCompleteBody
		if err := d.dec.Decode(&b); err != nil {
			return nil, err
		}
		return &b, nil
	default:
		return nil, ErrUnknownKind
	}
}
