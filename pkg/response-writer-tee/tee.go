package tee

import "bytes"

// BodySaver is an io.Writer that saves a response body to a buffer while
// optionally forwarding every chunk as it is written.
type BodySaver struct {
	forward  func([]byte)
	b        *bytes.Buffer
	limit    int
	overflow bool
}

// Implementation of io.Writer
func (t *BodySaver) Write(b []byte) (int, error) {
	// forward a copy, the caller may reuse b
	if t.forward != nil && len(b) > 0 {
		chunk := make([]byte, len(b))
		copy(chunk, b)
		t.forward(chunk)
	}
	if t.overflow {
		return len(b), nil
	}
	if t.limit > 0 && t.b.Len()+len(b) > t.limit {
		// too big to keep, stop saving but keep forwarding
		t.overflow = true
		t.b.Reset()
		return len(b), nil
	}
	return t.b.Write(b)
}

// Body returns the saved body. It is nil if the body exceeded the limit.
func (t *BodySaver) Body() []byte {
	if t.overflow {
		return nil
	}
	return t.b.Bytes()
}

// Overflowed reports whether the body exceeded the limit.
func (t *BodySaver) Overflowed() bool {
	return t.overflow
}

// Reset drops the saved body, e.g. at a part boundary.
func (t *BodySaver) Reset() {
	t.b.Reset()
	t.overflow = false
}

// NewBodySaver returns a new BodySaver.
// If forward is not nil, each chunk is passed (tee'd) to it in addition to saving to buffer.
// A positive limit caps how much is saved.
func NewBodySaver(forward func([]byte), limit int) *BodySaver {
	return &BodySaver{
		forward: forward,
		b:       &bytes.Buffer{},
		limit:   limit,
	}
}
