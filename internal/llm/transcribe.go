package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	openai "github.com/openai/openai-go/v3"
	"go.uber.org/zap"
)

const (
	transcribeAttempts = 3
	transcribeBackoff  = time.Second
)

// Transcriber converts audio files to text through the provider's
// transcription endpoint.
type Transcriber struct {
	client openai.Client
	model  string
	logger *zap.Logger
}

// NewTranscriber builds a Transcriber sharing the runner's provider
// settings. TranscribeModel defaults to whisper-1.
func NewTranscriber(cfg Config, logger *zap.Logger) *Transcriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	model := cfg.TranscribeModel
	if model == "" {
		model = "whisper-1"
	}
	return &Transcriber{
		client: newClient(cfg),
		model:  model,
		logger: logger,
	}
}

// Transcribe sends the audio file at path for transcription. Transient
// provider failures are retried with doubling delay.
func (t *Transcriber) Transcribe(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening audio file: %w", err)
	}
	defer f.Close()

	delay := transcribeBackoff
	for attempt := 1; ; attempt++ {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return "", fmt.Errorf("rewinding audio file: %w", err)
		}

		resp, err := t.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
			Model: openai.AudioModel(t.model),
			File:  f,
		})
		if err == nil {
			TranscriptionsTotal.WithLabelValues("ok").Inc()
			return resp.Text, nil
		}

		t.logger.Warn("transcription attempt failed",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt >= transcribeAttempts || !IsTransientError(err) {
			TranscriptionsTotal.WithLabelValues("error").Inc()
			return "", fmt.Errorf("transcribing %s: %w", filepath.Base(path), err)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		delay *= 2
	}
}

// TranscribeURL downloads channel audio to a temp file and transcribes
// it. The file is removed before returning.
func (t *Transcriber) TranscribeURL(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building audio request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading audio: status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "dialogd-audio-*")
	if err != nil {
		return "", fmt.Errorf("creating temp audio file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("saving audio: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("saving audio: %w", err)
	}

	return t.Transcribe(ctx, tmp.Name())
}
