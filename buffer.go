package gamewire

// streamBuffer is a fixed-capacity byte buffer used for inbound stream
// reassembly and outbound frame staging. It owns the cursor arithmetic so
// that append, peek, and consume-with-compaction cannot drift apart across
// call sites. The invariant 0 <= len <= capacity holds at all times.
type streamBuffer struct {
	data []byte // backing array, len(data) is the fixed capacity
	n    int    // bytes currently buffered
}

func newStreamBuffer(capacity int) *streamBuffer {
	return &streamBuffer{data: make([]byte, capacity)}
}

// writable returns the free region a socket read may fill. An empty result
// means the buffer is full.
func (b *streamBuffer) writable() []byte {
	return b.data[b.n:]
}

// advance records that k bytes of the writable region were filled.
func (b *streamBuffer) advance(k int) {
	b.n += k
}

// buffered returns the occupied region, oldest bytes first.
func (b *streamBuffer) buffered() []byte {
	return b.data[:b.n]
}

// consume discards the first k buffered bytes and moves the remainder to the
// front, keeping the unconsumed tail contiguous for the next decode pass.
func (b *streamBuffer) consume(k int) {
	copy(b.data, b.data[k:b.n])
	b.n -= k
}

// reset empties the buffer without releasing the backing array.
func (b *streamBuffer) reset() {
	b.n = 0
}

func (b *streamBuffer) len() int {
	return b.n
}

func (b *streamBuffer) capacity() int {
	return len(b.data)
}
