package media

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/altavoz-cl/altavoz/internal/marks"
	"github.com/altavoz-cl/altavoz/pkg/audio"
)

// Recorder accumulates the caller's audio for one call and writes it out as
// an 8 kHz mono WAV on close. The mark ledger records window and talk
// boundaries so segments can be cut for the batch transcription fallback.
type Recorder struct {
	linkedID string
	path     string
	ledger   *marks.Ledger

	mu  sync.Mutex
	pcm []byte // 16-bit LE at the telephony rate
}

// RecordingPath builds the canonical on-disk location for a call recording:
// <root>/<domain>/<dnis>/<YYYYMMDD>/<linkedId>_<ani>_<unix>.wav.
func RecordingPath(root, domain, dnis, linkedID, ani string, now time.Time) string {
	return filepath.Join(root, domain, dnis, now.Format("20060102"),
		fmt.Sprintf("%s_%s_%d.wav", linkedID, ani, now.Unix()))
}

// NewRecorder creates a recorder that will persist to path on Close. The
// ledger epoch starts now, so marks line up with the recording as long as
// the recorder is created when audio starts flowing.
func NewRecorder(linkedID, path string) *Recorder {
	r := &Recorder{
		linkedID: linkedID,
		path:     path,
		ledger:   marks.NewLedger(),
	}
	r.ledger.Append(marks.RecordingStart, nil)
	return r
}

// WriteUlaw appends a μ-law frame to the recording.
func (r *Recorder) WriteUlaw(ulaw []byte) {
	pcm := audio.UlawToPCM16(ulaw)
	r.mu.Lock()
	r.pcm = append(r.pcm, pcm...)
	r.mu.Unlock()
}

// Mark appends a mark of the given type to the call's ledger.
func (r *Recorder) Mark(typ marks.Type, meta map[string]string) {
	r.ledger.Append(typ, meta)
}

// DurationMs reports the recorded length so far.
func (r *Recorder) DurationMs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return audio.DurationMs(r.pcm, audio.TelephonyRate)
}

// Marks exposes the ledger for inspection.
func (r *Recorder) Marks() *marks.Ledger { return r.ledger }

// LastSegmentWAV renders the most recent marked segment as a WAV blob for
// the batch transcription fallback. With no segments it falls back to the
// whole recording; an empty recording yields nil.
func (r *Recorder) LastSegmentWAV() ([]byte, error) {
	r.mu.Lock()
	pcm := make([]byte, len(r.pcm))
	copy(pcm, r.pcm)
	r.mu.Unlock()

	if len(pcm) == 0 {
		return nil, nil
	}

	start, end := 0, len(pcm)
	if segs := r.ledger.Segments(); len(segs) > 0 {
		last := segs[len(segs)-1]
		start = msToByteOffset(last.StartMs)
		if last.Closed {
			end = msToByteOffset(last.EndMs)
		}
		if start > len(pcm) {
			start = len(pcm)
		}
		if end > len(pcm) {
			end = len(pcm)
		}
	}
	if start >= end {
		return nil, nil
	}

	var buf bytes.Buffer
	if err := audio.WriteWAV(&buf, pcm[start:end], audio.TelephonyRate); err != nil {
		return nil, fmt.Errorf("media: render segment: %w", err)
	}
	return buf.Bytes(), nil
}

// msToByteOffset converts a ledger offset to a byte index in the 16-bit
// telephony PCM buffer, aligned to a whole sample.
func msToByteOffset(ms int64) int {
	return int(ms*audio.TelephonyRate/1000) * 2
}

// Close writes the recording to its path, creating directories as needed.
// An empty recording writes nothing and is not an error.
func (r *Recorder) Close() error {
	r.mu.Lock()
	pcm := r.pcm
	r.pcm = nil
	r.mu.Unlock()

	if len(pcm) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("media: recording dir: %w", err)
	}
	f, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("media: create recording: %w", err)
	}
	defer f.Close()
	if err := audio.WriteWAV(f, pcm, audio.TelephonyRate); err != nil {
		return fmt.Errorf("media: write recording: %w", err)
	}
	return nil
}
