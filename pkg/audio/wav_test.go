package audio

import (
	"bytes"
	"testing"
)

func TestWAVRoundTrip(t *testing.T) {
	t.Parallel()

	in := pcm16(0, 100, -100, 32767, -32768)
	var buf bytes.Buffer
	if err := WriteWAV(&buf, in, TelephonyRate); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}

	out, rate, err := ReadWAV(&buf)
	if err != nil {
		t.Fatalf("ReadWAV: %v", err)
	}
	if rate != TelephonyRate {
		t.Fatalf("got rate %d, want %d", rate, TelephonyRate)
	}
	if !bytes.Equal(in, out) {
		t.Fatalf("samples changed in round trip")
	}
}

func TestReadWAV_RejectsNonWave(t *testing.T) {
	t.Parallel()

	if _, _, err := ReadWAV(bytes.NewReader([]byte("RIFFxxxxJUNKdata"))); err == nil {
		t.Fatal("expected error for non-WAVE stream")
	}
}

func TestReadWAV_SkipsUnknownChunks(t *testing.T) {
	t.Parallel()

	in := pcm16(1, 2, 3)
	var buf bytes.Buffer
	if err := WriteWAV(&buf, in, SpeechRate); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}

	// Splice a LIST chunk between fmt and data.
	raw := buf.Bytes()
	var spliced bytes.Buffer
	spliced.Write(raw[:36])
	spliced.WriteString("LIST")
	spliced.Write([]byte{4, 0, 0, 0})
	spliced.WriteString("INFO")
	spliced.Write(raw[36:])

	out, rate, err := ReadWAV(&spliced)
	if err != nil {
		t.Fatalf("ReadWAV: %v", err)
	}
	if rate != SpeechRate || !bytes.Equal(in, out) {
		t.Fatalf("got rate=%d pcm=%v, want rate=%d pcm=%v", rate, out, SpeechRate, in)
	}
}
