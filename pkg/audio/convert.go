// Package audio provides the format conversions used on the telephony media
// path: G.711 μ-law at 8 kHz on the PBX side, linear 16-bit PCM at 24 kHz on
// the speech-service side. Only mono audio is handled; every channel that
// reaches this code is a single telephone leg.
package audio

import "github.com/zaf/g711"

const (
	// TelephonyRate is the PBX sample rate in Hz.
	TelephonyRate = 8000

	// SpeechRate is the speech service sample rate in Hz.
	SpeechRate = 24000
)

// UlawToPCM16 decodes 8-bit μ-law samples to little-endian 16-bit PCM at the
// same sample rate.
func UlawToPCM16(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}

// PCM16ToUlaw encodes little-endian 16-bit PCM to 8-bit μ-law at the same
// sample rate. An odd trailing byte is dropped.
func PCM16ToUlaw(pcm []byte) []byte {
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return g711.EncodeUlaw(pcm)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// UlawToSpeechPCM converts one μ-law telephony chunk into 16-bit PCM at the
// speech service rate. This is the per-packet path from the UDP tap to the
// realtime session, so it allocates exactly twice: once for the PCM decode and
// once for the resampled output.
func UlawToSpeechPCM(ulaw []byte) []byte {
	return ResampleMono16(UlawToPCM16(ulaw), TelephonyRate, SpeechRate)
}

// SpeechPCMToUlaw converts 16-bit PCM at the speech service rate into μ-law
// telephony audio. Used when synthesized speech is written back as a prompt
// file for the PBX.
func SpeechPCMToUlaw(pcm []byte) []byte {
	return PCM16ToUlaw(ResampleMono16(pcm, SpeechRate, TelephonyRate))
}

// DurationMs returns the duration in milliseconds of a 16-bit mono PCM buffer
// at the given sample rate.
func DurationMs(pcm []byte, rate int) int {
	if rate <= 0 {
		return 0
	}
	return (len(pcm) / 2) * 1000 / rate
}
