// Package transport implements the FrameCodec (spec.md §4.1): the
// length-delimited frame format layered over a duplex byte stream, its
// connect-time cookie+version handshake, and the byte-level boundary
// scanner used to resynchronize after a body-decode fault. It also
// defines the Launcher interface spec.md §6 treats as an opaque external
// collaborator, plus two concrete Launchers.
package transport

import (
	"bufio"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"

	"github.com/boxcast/coreproc/proto"
)

const (
	// HDRCookieLen is the fixed length of the cluster cookie exchanged at
	// connect time.
	HDRCookieLen = 32
	// HDRVersionLen is the fixed length of the advisory version string.
	HDRVersionLen = 16
)

// MsgBoundary is the fixed 16-byte sentinel written after every frame and
// scanned for during resync.
var MsgBoundary = [16]byte{
	0x17, 0xC0, 0x3E, 0xD1, 0x5E, 0xED, 0xFE, 0xED,
	0xBA, 0xBE, 0xCA, 0xFE, 0xF0, 0x0D, 0xD0, 0x0D,
}

// ErrCookieMismatch is returned by the accepting side of a handshake when
// the peer's cookie does not match.
var ErrCookieMismatch = errors.New("transport: cookie mismatch")

// ErrConnDead is returned by ResyncToBoundary when EOF is reached before
// the boundary pattern is found.
var ErrConnDead = errors.New("transport: connection dead during resync")

// FrameCodec reads and writes frames over one duplex stream: a
// length-delimited WireHeader, a length-delimited body, then the fixed
// boundary sentinel.
type FrameCodec struct {
	r *bufio.Reader
	w io.Writer
}

// NewFrameCodec wraps rw.
func NewFrameCodec(r io.Reader, w io.Writer) *FrameCodec {
	return &FrameCodec{r: bufio.NewReader(r), w: w}
}

// WriteHandshake writes the initiator-side handshake: a fixed-length
// cookie followed by a fixed-length version string.
func (f *FrameCodec) WriteHandshake(cookie [HDRCookieLen]byte, version string) error {
	if _, err := f.w.Write(cookie[:]); err != nil {
		return err
	}
	return f.writeFixed(version, HDRVersionLen)
}

// ReadHandshake reads the initiator's cookie+version and validates the
// cookie against expected using a constant-time compare (spec.md §4.1).
// Version negotiation is advisory only: a mismatch is recorded in the
// returned string, never rejected.
func (f *FrameCodec) ReadHandshake(expected [HDRCookieLen]byte) (version string, err error) {
	var got [HDRCookieLen]byte
	if _, err = io.ReadFull(f.r, got[:]); err != nil {
		return "", err
	}
	if subtle.ConstantTimeCompare(got[:], expected[:]) != 1 {
		return "", ErrCookieMismatch
	}
	return f.readFixed(HDRVersionLen)
}

func (f *FrameCodec) writeFixed(s string, n int) error {
	buf := make([]byte, n)
	copy(buf, s)
	_, err := f.w.Write(buf)
	return err
}

func (f *FrameCodec) readFixed(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return "", err
	}
	i := 0
	for i < len(buf) && buf[i] != 0 {
		i++
	}
	return string(buf[:i]), nil
}

// WriteHeader writes h as a length-prefixed, msgpack-encoded record.
func (f *FrameCodec) WriteHeader(h proto.WireHeader) error {
	return f.writeLengthPrefixed(func(enc *proto.Encoder) error {
		return enc.EncodeHeader(h)
	})
}

// ReadHeader reads the next WireHeader.
func (f *FrameCodec) ReadHeader() (proto.WireHeader, error) {
	buf, err := f.readLengthPrefixed()
	if err != nil {
		return proto.WireHeader{}, err
	}
	dec := proto.NewDecoder(newByteReader(buf))
	return dec.DecodeHeader()
}

// WriteBody writes body as a length-prefixed, msgpack-encoded record. The
// body's encoding is opaque to FrameCodec beyond being self-delimited.
func (f *FrameCodec) WriteBody(body interface{}) error {
	return f.writeLengthPrefixed(func(enc *proto.Encoder) error {
		return enc.EncodeBody(body)
	})
}

// ReadBody reads the next body, decoding it according to kind.
func (f *FrameCodec) ReadBody(kind proto.Kind) (interface{}, error) {
	buf, err := f.readLengthPrefixed()
	if err != nil {
		return nil, err
	}
	dec := proto.NewDecoder(newByteReader(buf))
	return dec.DecodeBody(kind)
}

// WriteBoundary writes the fixed sentinel that terminates every frame.
func (f *FrameCodec) WriteBoundary() error {
	_, err := f.w.Write(MsgBoundary[:])
	return err
}

// ReadBoundary reads and validates the sentinel. A mismatch here (as
// opposed to a body-decode failure) indicates the stream itself has
// desynchronized and is treated the same as any other dispatcher fault.
func (f *FrameCodec) ReadBoundary() error {
	var got [16]byte
	if _, err := io.ReadFull(f.r, got[:]); err != nil {
		return err
	}
	if got != MsgBoundary {
		return errors.New("transport: boundary mismatch")
	}
	return nil
}

// ResyncToBoundary reads one byte at a time until MsgBoundary has been
// matched, resetting its match position on any mismatch — a byte-level
// finite-state scanner per spec.md §4.1. EOF before a match is
// ErrConnDead.
func (f *FrameCodec) ResyncToBoundary() error {
	matched := 0
	for matched < len(MsgBoundary) {
		b, err := f.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return ErrConnDead
			}
			return err
		}
		if b == MsgBoundary[matched] {
			matched++
		} else if b == MsgBoundary[0] {
			matched = 1
		} else {
			matched = 0
		}
	}
	return nil
}

func (f *FrameCodec) writeLengthPrefixed(encode func(*proto.Encoder) error) error {
	bw := newByteWriter()
	enc := proto.NewEncoder(bw)
	if err := encode(enc); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(bw.Len()))
	if _, err := f.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := f.w.Write(bw.Bytes())
	return err
}

func (f *FrameCodec) readLengthPrefixed() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(f.r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
