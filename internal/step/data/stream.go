package data

import (
	"fmt"
	"io"

	"github.com/wesleyorama2/stowload/internal/step/faults"
)

// Reader streams size bytes of layer content starting at an offset.
type Reader struct {
	layer     []byte
	pos       int64
	remaining int64
}

// NewReader returns a reader over the content of one item.
func NewReader(src *Source, layer int, offset, size int64) (*Reader, error) {
	if offset < 0 || offset >= src.layerSize {
		return nil, &faults.ContentAddressError{Layer: layer, Offset: offset, LayerSize: src.layerSize}
	}
	content, err := src.Layer(layer)
	if err != nil {
		return nil, err
	}
	return &Reader{layer: content, pos: offset, remaining: size}, nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n := copy(p, r.layer[r.pos:])
	r.pos += int64(n)
	if r.pos == int64(len(r.layer)) {
		r.pos = 0
	}
	r.remaining -= int64(n)
	return n, nil
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int64 {
	return r.remaining
}

// CorruptionError reports the first byte that differs from the expected
// content.
type CorruptionError struct {
	Offset   int64
	Expected byte
	Actual   byte
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("content mismatch at offset %d: expected 0x%02x, got 0x%02x", e.Offset, e.Expected, e.Actual)
}

// SizeMismatchError reports a payload whose length differs from the item size.
type SizeMismatchError struct {
	Expected int64
	Actual   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("content size mismatch: expected %d bytes, got %d", e.Expected, e.Actual)
}

// Verifier is an io.Writer comparing written bytes with the expected content.
// After the first mismatch every Write fails with the same CorruptionError.
type Verifier struct {
	expected *Reader
	size     int64
	written  int64
	buf      []byte
	err      error
}

// NewVerifier returns a verifier for an item's content.
func NewVerifier(src *Source, layer int, offset, size int64) (*Verifier, error) {
	r, err := NewReader(src, layer, offset, size)
	if err != nil {
		return nil, err
	}
	return &Verifier{expected: r, size: size}, nil
}

// Write implements io.Writer.
func (v *Verifier) Write(p []byte) (int, error) {
	if v.err != nil {
		return 0, v.err
	}
	if v.written+int64(len(p)) > v.size {
		v.err = &SizeMismatchError{Expected: v.size, Actual: v.written + int64(len(p))}
		return 0, v.err
	}
	if cap(v.buf) < len(p) {
		v.buf = make([]byte, len(p))
	}
	want := v.buf[:len(p)]
	if _, err := io.ReadFull(v.expected, want); err != nil {
		v.err = err
		return 0, err
	}
	for i := range p {
		if p[i] != want[i] {
			v.err = &CorruptionError{Offset: v.written + int64(i), Expected: want[i], Actual: p[i]}
			return i, v.err
		}
	}
	v.written += int64(len(p))
	return len(p), nil
}

// Close checks that exactly the expected amount of content was written.
func (v *Verifier) Close() error {
	if v.err != nil {
		return v.err
	}
	if v.written != v.size {
		return &SizeMismatchError{Expected: v.size, Actual: v.written}
	}
	return nil
}
