package media

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/altavoz-cl/altavoz/internal/marks"
	"github.com/altavoz-cl/altavoz/pkg/audio"
)

func TestRecordingPath(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	got := RecordingPath("/var/rec", "clinica-norte", "600123456", "call-1", "56912345678", now)
	want := filepath.Join("/var/rec", "clinica-norte", "600123456", "20260315",
		"call-1_56912345678_"+strconv.FormatInt(now.Unix(), 10)+".wav")
	if got != want {
		t.Errorf("RecordingPath = %q, want %q", got, want)
	}
}

func TestRecorder_WriteAndClose(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "call-1.wav")
	r := NewRecorder("call-1", path)

	// 100 ms of μ-law silence.
	r.WriteUlaw(bytes.Repeat([]byte{0xff}, 800))
	if got := r.DurationMs(); got != 100 {
		t.Errorf("DurationMs = %d, want 100", got)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	defer f.Close()
	pcm, rate, err := audio.ReadWAV(f)
	if err != nil {
		t.Fatalf("ReadWAV: %v", err)
	}
	if rate != audio.TelephonyRate {
		t.Errorf("rate = %d, want %d", rate, audio.TelephonyRate)
	}
	if len(pcm) != 1600 {
		t.Errorf("pcm = %d bytes, want 1600", len(pcm))
	}
}

func TestRecorder_EmptyCloseWritesNothing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.wav")
	r := NewRecorder("call-1", path)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("empty recording created a file: %v", err)
	}
}

func TestRecorder_LastSegmentWAV(t *testing.T) {
	t.Parallel()

	r := NewRecorder("call-1", filepath.Join(t.TempDir(), "call-1.wav"))

	r.Mark(marks.WindowOpen, nil)
	r.WriteUlaw(bytes.Repeat([]byte{0x00}, 1600)) // 200 ms
	r.Mark(marks.WindowClose, nil)

	blob, err := r.LastSegmentWAV()
	if err != nil {
		t.Fatalf("LastSegmentWAV: %v", err)
	}
	if len(blob) == 0 {
		t.Fatal("empty segment blob")
	}
	pcm, rate, err := audio.ReadWAV(bytes.NewReader(blob))
	if err != nil {
		t.Fatalf("ReadWAV: %v", err)
	}
	if rate != audio.TelephonyRate || len(pcm) == 0 {
		t.Errorf("segment = %d bytes at %d Hz", len(pcm), rate)
	}
}

func TestRecorder_LastSegmentWAVEmptyRecording(t *testing.T) {
	t.Parallel()

	r := NewRecorder("call-1", filepath.Join(t.TempDir(), "call-1.wav"))
	blob, err := r.LastSegmentWAV()
	if err != nil || blob != nil {
		t.Fatalf("LastSegmentWAV = %v, %v; want nil, nil", blob, err)
	}
}
