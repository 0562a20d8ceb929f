package pipe

// Buffer is a growable scratch buffer. The stable writer coalesces
// every write into one before a flush hands the whole content to the
// inner sink, so a frame is delivered entirely or not at all.
//
// bytes.Buffer is not used here: its read cursor consumes bytes, while
// flushing needs to resume from an arbitrary position when the same
// inner sink is re-attached.
type Buffer struct {
	data []byte
}

// Write appends p. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

// WriteString appends s.
func (b *Buffer) WriteString(s string) (int, error) {
	b.data = append(b.data, s...)
	return len(s), nil
}

// WriteByte appends c.
func (b *Buffer) WriteByte(c byte) error {
	b.data = append(b.data, c)
	return nil
}

// Bytes returns the buffered bytes. The slice is only valid until the
// next mutating call.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Truncate discards all but the first n bytes.
func (b *Buffer) Truncate(n int) {
	if n < 0 || n > len(b.data) {
		panic("pipe: Buffer truncation out of range")
	}
	b.data = b.data[:n]
}

// DropFirst discards the first n bytes, keeping the allocated
// capacity.
func (b *Buffer) DropFirst(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	b.data = append(b.data[:0], b.data[n:]...)
}

// Reset empties the buffer, keeping the allocated capacity.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}
