package transport

import "bytes"

func newByteWriter() *bytes.Buffer {
	return new(bytes.Buffer)
}

func newByteReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
