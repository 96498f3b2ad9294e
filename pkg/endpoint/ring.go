package endpoint

// frameRing is a fixed-capacity circular buffer of quantized frames. Slots
// are allocated once and overwritten in place, so pushing never allocates.
type frameRing struct {
	slots [][]byte
	head  int // index of the oldest frame
	count int
}

func newFrameRing(capacity, frameBytes int) *frameRing {
	backing := make([]byte, capacity*frameBytes)
	slots := make([][]byte, capacity)
	for i := range slots {
		slots[i] = backing[i*frameBytes : (i+1)*frameBytes : (i+1)*frameBytes]
	}
	return &frameRing{slots: slots}
}

// push copies frame into the ring, evicting the oldest frame when full.
func (r *frameRing) push(frame []byte) {
	if r.count < len(r.slots) {
		copy(r.slots[(r.head+r.count)%len(r.slots)], frame)
		r.count++
		return
	}
	copy(r.slots[r.head], frame)
	r.head = (r.head + 1) % len(r.slots)
}

// appendTo appends the buffered frames, oldest first, to dst.
func (r *frameRing) appendTo(dst []byte) []byte {
	for i := range r.count {
		dst = append(dst, r.slots[(r.head+i)%len(r.slots)]...)
	}
	return dst
}

func (r *frameRing) len() int { return r.count }

func (r *frameRing) clear() {
	r.head = 0
	r.count = 0
}
