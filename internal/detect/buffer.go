package detect

// ringBuffer keeps the most recent cap bytes of child output. Older bytes
// age out; the detector never sees more than the window.
type ringBuffer struct {
	data []byte
	max  int
}

func newRingBuffer(max int) *ringBuffer {
	return &ringBuffer{max: max}
}

func (b *ringBuffer) write(p []byte) {
	if len(p) >= b.max {
		b.data = append(b.data[:0], p[len(p)-b.max:]...)
		return
	}
	b.data = append(b.data, p...)
	if overflow := len(b.data) - b.max; overflow > 0 {
		b.data = append(b.data[:0], b.data[overflow:]...)
	}
}

// tail returns the last n bytes without copying. n <= 0 returns everything.
func (b *ringBuffer) tail(n int) []byte {
	if n <= 0 || n >= len(b.data) {
		return b.data
	}
	return b.data[len(b.data)-n:]
}

func (b *ringBuffer) len() int { return len(b.data) }

func (b *ringBuffer) reset() { b.data = b.data[:0] }
