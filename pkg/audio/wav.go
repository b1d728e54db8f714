package audio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteWAV writes a canonical 44-byte RIFF header followed by the given 16-bit
// mono PCM samples. Prompt files and call recordings are always mono.
func WriteWAV(w io.Writer, pcm []byte, sampleRate int) error {
	var hdr [44]byte
	dataLen := uint32(len(pcm))

	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], 36+dataLen)
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(hdr[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], 1)  // mono
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(sampleRate)*2) // byte rate
	binary.LittleEndian.PutUint16(hdr[32:34], 2)                    // block align
	binary.LittleEndian.PutUint16(hdr[34:36], 16)                   // bits per sample
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], dataLen)

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("audio: write wav header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("audio: write wav data: %w", err)
	}
	return nil
}

// ReadWAV reads a RIFF file produced by [WriteWAV] (or any 16-bit mono PCM
// WAV) and returns the samples and sample rate. Chunks other than fmt and
// data are skipped.
func ReadWAV(r io.Reader) (pcm []byte, sampleRate int, err error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, 0, fmt.Errorf("audio: read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("audio: not a RIFF/WAVE stream")
	}

	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if err == io.EOF && pcm != nil && sampleRate != 0 {
				return pcm, sampleRate, nil
			}
			return nil, 0, fmt.Errorf("audio: read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			buf := make([]byte, size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, 0, fmt.Errorf("audio: read fmt chunk: %w", err)
			}
			if format := binary.LittleEndian.Uint16(buf[0:2]); format != 1 {
				return nil, 0, fmt.Errorf("audio: unsupported wav format %d (want PCM)", format)
			}
			if ch := binary.LittleEndian.Uint16(buf[2:4]); ch != 1 {
				return nil, 0, fmt.Errorf("audio: unsupported channel count %d (want mono)", ch)
			}
			if bits := binary.LittleEndian.Uint16(buf[14:16]); bits != 16 {
				return nil, 0, fmt.Errorf("audio: unsupported bit depth %d (want 16)", bits)
			}
			sampleRate = int(binary.LittleEndian.Uint32(buf[4:8]))
		case "data":
			pcm = make([]byte, size)
			if _, err := io.ReadFull(r, pcm); err != nil {
				return nil, 0, fmt.Errorf("audio: read data chunk: %w", err)
			}
			if sampleRate != 0 {
				return pcm, sampleRate, nil
			}
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
				return nil, 0, fmt.Errorf("audio: skip %q chunk: %w", id, err)
			}
		}
	}
}
