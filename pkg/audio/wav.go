package audio

import (
	"bytes"
	"encoding/binary"
)

// EncodeWAV wraps raw PCM16 little-endian samples in a standard 44-byte
// RIFF/WAVE container: RIFF header, PCM fmt subchunk, and a data subchunk
// holding the samples verbatim. The RIFF chunk size field is 36+len(pcm) and
// the data subchunk size is exactly len(pcm).
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const headerSize = 44

	blockAlign := channels * BitsPerSample / 8
	byteRate := sampleRate * blockAlign

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(pcm)))

	// RIFF chunk
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	// fmt subchunk
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16)) // subchunk size
	binary.Write(buf, binary.LittleEndian, uint16(1))  // PCM format
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(BitsPerSample))

	// data subchunk
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}
