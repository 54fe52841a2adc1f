package audio

import (
	"bytes"
	"encoding/binary"
)

// EncodeWAV wraps raw PCM16 mono samples in a minimal RIFF/WAVE container.
// Some one-shot STT endpoints (OpenAI Whisper, Azure batch) reject bare PCM
// and require a header declaring the sample rate and bit depth.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	buf := new(bytes.Buffer)

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))                        // fmt chunk size
	binary.Write(buf, binary.LittleEndian, uint16(1))                         // PCM
	binary.Write(buf, binary.LittleEndian, uint16(1))                         // mono
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))                // sample rate
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*BytesPerSample)) // byte rate
	binary.Write(buf, binary.LittleEndian, uint16(BytesPerSample))            // block align
	binary.Write(buf, binary.LittleEndian, uint16(16))                        // bits per sample

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}
