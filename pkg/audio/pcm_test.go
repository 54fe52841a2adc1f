package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func TestBytesForDuration(t *testing.T) {
	tests := []struct {
		name       string
		d          time.Duration
		sampleRate int
		want       int
	}{
		{name: "one second at 16kHz", d: time.Second, sampleRate: 16000, want: 32000},
		{name: "100ms frame", d: 100 * time.Millisecond, sampleRate: 16000, want: 3200},
		{name: "30s buffer cap", d: 30 * time.Second, sampleRate: 16000, want: 960000},
		{name: "zero duration", d: 0, sampleRate: 16000, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BytesForDuration(tt.d, tt.sampleRate); got != tt.want {
				t.Errorf("BytesForDuration() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDurationForBytes(t *testing.T) {
	if got := DurationForBytes(32000, 16000); got != time.Second {
		t.Errorf("DurationForBytes(32000, 16000) = %v, want 1s", got)
	}
	if got := DurationForBytes(100, 0); got != 0 {
		t.Errorf("DurationForBytes with zero rate = %v, want 0", got)
	}
}

func TestRing_DropOldest(t *testing.T) {
	r := NewRing(8)

	r.Write([]byte{1, 2, 3, 4})
	if got := r.Bytes(); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("Bytes() = %v", got)
	}

	// Overflow by two: bytes 1 and 2 must be evicted.
	r.Write([]byte{5, 6, 7, 8, 9, 10})
	if got := r.Bytes(); !bytes.Equal(got, []byte{3, 4, 5, 6, 7, 8, 9, 10}) {
		t.Fatalf("after overflow Bytes() = %v", got)
	}
	if r.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", r.Dropped())
	}
	if r.Len() != 8 {
		t.Errorf("Len() = %d, want 8", r.Len())
	}
}

func TestRing_ChunkLargerThanCapacity(t *testing.T) {
	r := NewRing(4)
	r.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	if got := r.Bytes(); !bytes.Equal(got, []byte{5, 6, 7, 8}) {
		t.Fatalf("Bytes() = %v, want tail of chunk", got)
	}
	if r.Dropped() != 4 {
		t.Errorf("Dropped() = %d, want 4", r.Dropped())
	}
}

func TestRing_Reset(t *testing.T) {
	r := NewRing(4)
	r.Write([]byte{1, 2, 3, 4, 5})
	r.Reset()
	if r.Len() != 0 || r.Dropped() != 0 || len(r.Bytes()) != 0 {
		t.Errorf("Reset did not clear ring: len=%d dropped=%d", r.Len(), r.Dropped())
	}
}

func TestEncodeWAV(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	wav := EncodeWAV(pcm, 16000)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE magic: %q %q", wav[0:4], wav[8:12])
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Errorf("sample rate = %d, want 16000", rate)
	}
	if size := binary.LittleEndian.Uint32(wav[40:44]); size != uint32(len(pcm)) {
		t.Errorf("data size = %d, want %d", size, len(pcm))
	}
	if !bytes.Equal(wav[44:], pcm) {
		t.Errorf("payload mismatch")
	}
}
