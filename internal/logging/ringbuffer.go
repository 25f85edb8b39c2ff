package logging

import (
	"os"
	"sync"
)

// RingBuffer keeps the most recent bytes written to it, up to a fixed size.
type RingBuffer struct {
	mu    sync.Mutex
	data  []byte
	start int // index of the oldest byte once wrapped
	n     int // bytes currently held
}

// NewRingBuffer returns a buffer holding at most size bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 64 * 1024
	}
	return &RingBuffer{data: make([]byte, size)}
}

// Write never fails; older bytes are overwritten once the buffer is full.
func (r *RingBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	written := len(p)
	capacity := len(r.data)
	if len(p) >= capacity {
		copy(r.data, p[len(p)-capacity:])
		r.start, r.n = 0, capacity
		return written, nil
	}
	for len(p) > 0 {
		end := (r.start + r.n) % capacity
		chunk := capacity - end
		if chunk > len(p) {
			chunk = len(p)
		}
		copy(r.data[end:end+chunk], p[:chunk])
		p = p[chunk:]
		r.n += chunk
		if r.n > capacity {
			r.start = (r.start + r.n - capacity) % capacity
			r.n = capacity
		}
	}
	return written, nil
}

// Bytes returns a copy of the held bytes, oldest first.
func (r *RingBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]byte, r.n)
	first := copy(out, r.data[r.start:min(r.start+r.n, len(r.data))])
	copy(out[first:], r.data[:r.n-first])
	return out
}

// Len reports how many bytes are held.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// DumpToFile writes Bytes() to path.
func (r *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, r.Bytes(), 0o600)
}
