// Package chunker splits a byte buffer into fixed-size, link-sized fragments.
package chunker

// DefaultFragmentSize is the largest payload a single BLE write can carry.
const DefaultFragmentSize = 20

// Chunker hands out consecutive fragments of a read-only buffer.
//
// The cursor always advances by the full fragment size, even when the last
// fragment is shorter, so after the final fragment Offset() may exceed Len().
// Senders rely on this: "fragment shorter than Size()" marks end of data and
// Offset() is used as the progress numerator.
type Chunker struct {
	data   []byte
	size   int
	cursor int
}

// New creates a chunker over data. A non-positive size selects
// DefaultFragmentSize. data is never modified.
func New(data []byte, size int) *Chunker {
	if size <= 0 {
		size = DefaultFragmentSize
	}
	return &Chunker{data: data, size: size}
}

// Next returns the fragment at the cursor and its starting offset.
// ok is false once the cursor is at or beyond the end of the buffer.
// The returned slice aliases the source buffer and must not be modified.
func (c *Chunker) Next() (fragment []byte, offset int, ok bool) {
	if c.cursor >= len(c.data) {
		return nil, c.cursor, false
	}
	offset = c.cursor
	end := min(offset+c.size, len(c.data))
	c.cursor += c.size
	return c.data[offset:end:end], offset, true
}

// Offset returns the current cursor position.
func (c *Chunker) Offset() int { return c.cursor }

// Len returns the total length of the source buffer.
func (c *Chunker) Len() int { return len(c.data) }

// Size returns the fragment size.
func (c *Chunker) Size() int { return c.size }

// Remaining reports how many bytes have not been handed out yet.
func (c *Chunker) Remaining() int {
	return max(len(c.data)-c.cursor, 0)
}
