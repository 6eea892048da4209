// Package stt transcribes captured voice audio through a Whisper-compatible
// HTTP server (faster-whisper behind an OpenAI-style API).
package stt

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Result is one transcription outcome.
type Result struct {
	Text           string
	ProcessingTime time.Duration
}

// Transcriber sends audio to the speech-to-text server.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (Result, error)
}

// WhisperClient talks to a faster-whisper server exposing the OpenAI audio
// API.
type WhisperClient struct {
	client   *openai.Client
	language string
	logger   *slog.Logger
}

// NewWhisper creates a client against endpoint (e.g. http://whisper:9000/v1).
// language hints the recognizer; empty means auto-detect.
func NewWhisper(endpoint, language string, logger *slog.Logger) *WhisperClient {
	cfg := openai.DefaultConfig("")
	cfg.BaseURL = strings.TrimRight(endpoint, "/")
	return &WhisperClient{
		client:   openai.NewClientWithConfig(cfg),
		language: language,
		logger:   logger.With("component", "stt"),
	}
}

// Transcribe sends a WAV payload and returns the recognized text. Empty audio
// is rejected before hitting the network.
func (w *WhisperClient) Transcribe(ctx context.Context, audio []byte) (Result, error) {
	if len(audio) == 0 {
		return Result{}, fmt.Errorf("transcribe: empty audio")
	}
	start := time.Now()
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		Language: w.language,
		FilePath: "capture.wav",
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: %w", err)
	}
	result := Result{
		Text:           strings.TrimSpace(resp.Text),
		ProcessingTime: time.Since(start),
	}
	w.logger.Debug("transcription complete",
		"chars", len(result.Text), "took_ms", result.ProcessingTime.Milliseconds())
	return result, nil
}
