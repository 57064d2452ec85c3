package music

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// wavBytes renders a playable 16-bit mono PCM WAV of the given length.
func wavBytes(seconds float64, sampleRate int) []byte {
	frames := int(seconds * float64(sampleRate))
	dataSize := frames * 2
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataSize))
	sample := make([]byte, 2)
	binary.LittleEndian.PutUint16(sample, uint16(int16(8000)))
	for i := 0; i < frames; i++ {
		buf.Write(sample)
	}
	return buf.Bytes()
}

func writeWAV(t *testing.T, dir, name string, seconds float64, sampleRate int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, wavBytes(seconds, sampleRate), 0o644); err != nil {
		t.Fatalf("write fixture %s: %v", name, err)
	}
	return path
}
