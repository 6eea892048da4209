// Package tts implements the streaming text-to-speech pipeline: two HTTP
// synthesis engines, a two-tier audio cache, a response-scoped engine lock,
// bounded parallel synthesis workers, and optional Opus transcoding.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Engine is a speech synthesis backend. Implementations must be safe for
// concurrent use; the pipeline runs up to P synthesis calls in parallel.
type Engine interface {
	// Name returns the stable engine identifier used in cache keys.
	Name() string

	// Synthesize renders text to a WAV payload.
	Synthesize(ctx context.Context, text string) ([]byte, error)

	// Healthy probes the engine.
	Healthy(ctx context.Context) error
}

// XTTSEngine is the expressive primary engine. It targets an XTTS API server
// via POST /tts_to_audio/ with a JSON body, and is slow: per-sentence latency
// ranges from ~200ms to 15s depending on length.
type XTTSEngine struct {
	endpoint string
	speaker  string
	language string
	http     *http.Client
}

// NewXTTS creates the primary engine client.
func NewXTTS(endpoint, speaker, language string, timeout time.Duration) *XTTSEngine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if language == "" {
		language = "en"
	}
	return &XTTSEngine{
		endpoint: strings.TrimRight(endpoint, "/"),
		speaker:  speaker,
		language: language,
		http:     &http.Client{Timeout: timeout},
	}
}

func (e *XTTSEngine) Name() string { return "xtts" }

func (e *XTTSEngine) Synthesize(ctx context.Context, text string) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{
		"text":        text,
		"speaker_wav": e.speaker,
		"language":    e.language,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/tts_to_audio/", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("xtts synthesize: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("xtts synthesize: status %d", resp.StatusCode)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("xtts synthesize: read body: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("xtts synthesize: empty audio")
	}
	return audio, nil
}

func (e *XTTSEngine) Healthy(ctx context.Context) error {
	return probeHTTP(ctx, e.http, e.endpoint+"/health")
}

// PiperEngine is the fast fallback engine; it answers in ~200ms but with a
// less expressive voice. It targets a Piper HTTP wrapper accepting plain-text
// POST bodies and returning WAV.
type PiperEngine struct {
	endpoint string
	voice    string
	http     *http.Client
}

// NewPiper creates the fallback engine client.
func NewPiper(endpoint, voice string, timeout time.Duration) *PiperEngine {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PiperEngine{
		endpoint: strings.TrimRight(endpoint, "/"),
		voice:    voice,
		http:     &http.Client{Timeout: timeout},
	}
}

func (e *PiperEngine) Name() string { return "piper" }

func (e *PiperEngine) Synthesize(ctx context.Context, text string) ([]byte, error) {
	url := e.endpoint + "/api/tts"
	if e.voice != "" {
		url += "?voice=" + e.voice
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(text))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("piper synthesize: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("piper synthesize: status %d", resp.StatusCode)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("piper synthesize: read body: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("piper synthesize: empty audio")
	}
	return audio, nil
}

func (e *PiperEngine) Healthy(ctx context.Context) error {
	return probeHTTP(ctx, e.http, e.endpoint+"/health")
}

func probeHTTP(ctx context.Context, client *http.Client, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}
	return nil
}
