package stt

import (
	"context"
	"fmt"
	"io"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
)

// BatchTranscriber is the fallback transcription path: when the realtime
// session yields nothing but a continuous recording exists, the recorded
// audio is submitted to the batch endpoint.
type BatchTranscriber struct {
	client oai.Client
	model  string
}

// NewBatchTranscriber creates a transcriber for the given model.
func NewBatchTranscriber(client oai.Client, model string) *BatchTranscriber {
	return &BatchTranscriber{client: client, model: model}
}

// Transcribe submits the audio file (WAV) and returns the Spanish
// transcript, trimmed. An empty transcript is not an error.
func (b *BatchTranscriber) Transcribe(ctx context.Context, audio io.Reader) (string, error) {
	resp, err := b.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		File:     audio,
		Model:    oai.AudioModel(b.model),
		Language: param.NewOpt("es"),
	})
	if err != nil {
		return "", fmt.Errorf("stt: batch transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
