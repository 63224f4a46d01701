package audio

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEncodeAndParseWAV(t *testing.T) {
	samples := make([]int16, 16000)
	data, err := EncodeWAV(samples, 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data) != 44+len(samples)*2 {
		t.Errorf("expected %d bytes, got %d", 44+len(samples)*2, len(data))
	}

	info, err := ParseWAVHeader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !info.IsCanonical(16000) {
		t.Errorf("expected canonical format, got %+v", info)
	}
	if info.Duration() != time.Second {
		t.Errorf("expected 1s duration, got %v", info.Duration())
	}
}

func TestParseWAVHeader_SkipsListChunk(t *testing.T) {
	data, err := EncodeWAV([]int16{1, 2, 3, 4}, 8000)
	if err != nil {
		t.Fatal(err)
	}

	// Insert a LIST chunk with an odd payload between fmt and data.
	var list bytes.Buffer
	list.WriteString("LIST")
	binary.Write(&list, binary.LittleEndian, uint32(5))
	list.WriteString("INFOx")
	list.WriteByte(0) // pad

	withList := append([]byte{}, data[:36]...)
	withList = append(withList, list.Bytes()...)
	withList = append(withList, data[36:]...)

	info, err := ParseWAVHeader(bytes.NewReader(withList))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.SampleRate != 8000 || info.DataSize != 8 {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestParseWAVHeader_Invalid(t *testing.T) {
	valid, _ := EncodeWAV([]int16{0}, 16000)

	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte("RIFF")},
		{"not riff", append([]byte("RIFX"), valid[4:]...)},
		{"not wave", append(append([]byte{}, valid[:8]...), append([]byte("AVI "), valid[12:]...)...)},
		{"no data chunk", valid[:36]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseWAVHeader(bytes.NewReader(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWAVInfo_IsCanonical(t *testing.T) {
	tests := []struct {
		name string
		info WAVInfo
		want bool
	}{
		{"canonical", WAVInfo{AudioFormat: 1, Channels: 1, SampleRate: 16000, BitsPerSample: 16}, true},
		{"extensible", WAVInfo{AudioFormat: 0xFFFE, Channels: 1, SampleRate: 16000, BitsPerSample: 16}, true},
		{"stereo", WAVInfo{AudioFormat: 1, Channels: 2, SampleRate: 16000, BitsPerSample: 16}, false},
		{"float", WAVInfo{AudioFormat: 3, Channels: 1, SampleRate: 16000, BitsPerSample: 32}, false},
		{"wrong rate", WAVInfo{AudioFormat: 1, Channels: 1, SampleRate: 44100, BitsPerSample: 16}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.IsCanonical(16000); got != tt.want {
				t.Errorf("IsCanonical = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadWAVInfo(t *testing.T) {
	data, _ := EncodeWAV(make([]int16, 800), 8000)
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	info, err := ReadWAVInfo(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Duration() != 100*time.Millisecond {
		t.Errorf("expected 100ms, got %v", info.Duration())
	}

	if _, err := ReadWAVInfo(filepath.Join(t.TempDir(), "missing.wav")); err == nil {
		t.Error("expected error for missing file")
	}
}
