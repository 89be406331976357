package blocktls

// buffer is a growable byte buffer with an explicit read cursor and write
// cursor, standing in for the pair of framings a wire buffer moves through:
// bytes land at the write cursor, the engine consumes from the read cursor.
// Invariant: 0 <= r <= w <= len(data).  Capacity only ever increases.
type buffer struct {
	data []byte
	r, w int
}

func newBuffer(capacity int) *buffer {
	return &buffer{data: make([]byte, capacity)}
}

func (b *buffer) capacity() int { return len(b.data) }

// readable is the number of unread bytes between the cursors.
func (b *buffer) readable() int { return b.w - b.r }

// writable is the free space after the write cursor.
func (b *buffer) writable() int { return len(b.data) - b.w }

// bytes is the unread span.  Valid until the next mutation.
func (b *buffer) bytes() []byte { return b.data[b.r:b.w] }

// free is the span wrap/unwrap output lands in.
func (b *buffer) free() []byte { return b.data[b.w:] }

func (b *buffer) advanceRead(n int) {
	if n < 0 || b.r+n > b.w {
		panic("blocktls: read cursor advanced past write cursor")
	}
	b.r += n
}

func (b *buffer) advanceWrite(n int) {
	if n < 0 || b.w+n > len(b.data) {
		panic("blocktls: write cursor advanced past capacity")
	}
	b.w += n
}

// append copies p in at the write cursor.  The caller grows the buffer
// first; appending past capacity is a bug.
func (b *buffer) append(p []byte) {
	n := copy(b.data[b.w:], p)
	if n < len(p) {
		panic("blocktls: append past buffer capacity")
	}
	b.w += n
}

// grow replaces the backing array with one of capacity max(min, 2*cap),
// moving the unread span to the front.  From the caller's point of view the
// unread bytes are untouched; growth never shrinks the buffer.
func (b *buffer) grow(min int) {
	newCap := 2 * len(b.data)
	if min > newCap {
		newCap = min
	}
	if newCap <= len(b.data) {
		return
	}
	data := make([]byte, newCap)
	n := copy(data, b.data[b.r:b.w])
	b.data = data
	b.r = 0
	b.w = n
}

// compact moves the unread span to the front so the space behind the write
// cursor is reusable.
func (b *buffer) compact() {
	if b.r == 0 {
		return
	}
	n := copy(b.data, b.data[b.r:b.w])
	b.r = 0
	b.w = n
}

// clear discards all content.  Capacity is kept.
func (b *buffer) clear() {
	b.r = 0
	b.w = 0
}
