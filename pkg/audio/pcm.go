// Package audio provides PCM16 helpers shared by the ingress pipeline and the
// STT providers: byte/duration conversion, a drop-oldest ring buffer for raw
// sample bytes, and a minimal WAV encoder for providers that require
// containerised audio.
//
// All audio in Aurelo is 16-bit little-endian PCM, mono. The sample rate is
// carried explicitly because the client negotiates it in session.start.
package audio

import "time"

// BytesPerSample is the size of a single PCM16 sample.
const BytesPerSample = 2

// BytesForDuration returns the number of PCM16 mono bytes covering d at the
// given sample rate.
func BytesForDuration(d time.Duration, sampleRate int) int {
	samples := int(d.Milliseconds()) * sampleRate / 1000
	return samples * BytesPerSample
}

// DurationForBytes returns the play time of n PCM16 mono bytes at the given
// sample rate.
func DurationForBytes(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Ring is a fixed-capacity byte buffer with drop-oldest overflow semantics.
// It backs the per-session audio buffer in the ingress processor: when a
// session produces more audio than the configured maximum duration, the
// oldest bytes are discarded so ingest never blocks and memory stays bounded.
//
// Ring is not safe for concurrent use; the ingress processor serialises
// access per session.
type Ring struct {
	buf     []byte
	start   int
	length  int
	dropped int64
}

// NewRing creates a ring with the given capacity in bytes. Capacity must be
// positive; a non-positive value is clamped to BytesPerSample.
func NewRing(capacity int) *Ring {
	if capacity < BytesPerSample {
		capacity = BytesPerSample
	}
	return &Ring{buf: make([]byte, capacity)}
}

// Write appends p to the ring. If p does not fit, the oldest bytes are
// dropped first; if p alone exceeds the capacity, only its tail is kept.
// The number of dropped bytes is tracked and reported by Dropped.
func (r *Ring) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	if len(p) >= len(r.buf) {
		// The chunk alone overflows the ring: keep only its tail.
		r.dropped += int64(r.length + len(p) - len(r.buf))
		copy(r.buf, p[len(p)-len(r.buf):])
		r.start = 0
		r.length = len(r.buf)
		return
	}

	overflow := r.length + len(p) - len(r.buf)
	if overflow > 0 {
		r.start = (r.start + overflow) % len(r.buf)
		r.length -= overflow
		r.dropped += int64(overflow)
	}

	end := (r.start + r.length) % len(r.buf)
	n := copy(r.buf[end:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
	}
	r.length += len(p)
}

// Bytes returns a copy of the buffered audio in arrival order.
func (r *Ring) Bytes() []byte {
	out := make([]byte, r.length)
	n := copy(out, r.buf[r.start:min(r.start+r.length, len(r.buf))])
	if n < r.length {
		copy(out[n:], r.buf)
	}
	return out
}

// Len returns the number of buffered bytes.
func (r *Ring) Len() int { return r.length }

// Dropped returns the total number of bytes discarded due to overflow since
// the ring was created or last Reset.
func (r *Ring) Dropped() int64 { return r.dropped }

// Reset discards all buffered audio and clears the drop counter.
func (r *Ring) Reset() {
	r.start = 0
	r.length = 0
	r.dropped = 0
}
