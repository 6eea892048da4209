package tts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var synthDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "jarvis",
	Subsystem: "tts",
	Name:      "synthesis_duration_seconds",
	Help:      "Per-sentence synthesis latency by engine and outcome.",
	Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
}, []string{"engine", "outcome"})

// Config configures the Pipeline.
type Config struct {
	Primary  Engine
	Fallback Engine
	Cache    *Cache

	// Parallel is the bounded worker count per response. Default: 2.
	Parallel int

	// PrimaryTimeout is the per-sentence deadline for the primary engine
	// before the ladder falls back. Default: 15s.
	PrimaryTimeout time.Duration

	// Transcoder, when set, converts synthesized WAV to Opus before
	// emission. Transcoding failures are non-fatal.
	Transcoder *OpusTranscoder

	// PrimaryHealthy gates the primary engine; when it reports false the
	// ladder skips straight to the cached-primary / fallback steps. Wired
	// to the health monitor. Nil means always healthy.
	PrimaryHealthy func() bool

	Logger *slog.Logger
}

// Chunk is one synthesized audio frame, tagged with the sentence index
// assigned at enqueue time. Emission order follows worker completion; the
// index makes the ordering unambiguous for consumers.
type Chunk struct {
	Index       int
	ContentType string
	Audio       []byte
	Engine      string
}

// Pipeline synthesizes sentence streams with primary/fallback engines and the
// two-tier cache. One Pipeline serves the whole process; per-response state
// lives in Response.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
}

// NewPipeline validates cfg and returns a Pipeline.
func NewPipeline(cfg Config) *Pipeline {
	if cfg.Parallel <= 0 {
		cfg.Parallel = 2
	}
	if cfg.PrimaryTimeout <= 0 {
		cfg.PrimaryTimeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, logger: cfg.Logger.With("component", "tts")}
}

// engineLock is the response-scoped voice lock. The transition is guarded by
// a mutex because synthesis workers run in parallel.
type engineLock struct {
	mu    sync.Mutex
	state string // "", primary name, or fallback name
}

// Response is one response's synthesis session. Sentences are enqueued with
// their detection-time index and drained by a bounded worker pool.
type Response struct {
	p      *Pipeline
	ctx    context.Context
	emit   func(Chunk)
	lock   engineLock
	queue  chan sentenceJob
	wg     sync.WaitGroup
	closed sync.Once
}

type sentenceJob struct {
	index int
	text  string
}

// NewResponse starts the worker pool for one response. emit is called from
// worker goroutines; it must be safe for concurrent use.
func (p *Pipeline) NewResponse(ctx context.Context, emit func(Chunk)) *Response {
	r := &Response{
		p:     p,
		ctx:   ctx,
		emit:  emit,
		queue: make(chan sentenceJob, 256),
	}
	for i := 0; i < p.cfg.Parallel; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Enqueue adds a sentence for synthesis. The index must be the detection-time
// sentence index.
func (r *Response) Enqueue(index int, text string) {
	select {
	case r.queue <- sentenceJob{index: index, text: text}:
	case <-r.ctx.Done():
	}
}

// CloseAndWait signals end of input and blocks until all queued sentences are
// synthesized (or the context is cancelled).
func (r *Response) CloseAndWait() {
	r.closed.Do(func() { close(r.queue) })
	r.wg.Wait()
}

func (r *Response) worker() {
	defer r.wg.Done()
	for {
		select {
		case job, ok := <-r.queue:
			if !ok {
				return
			}
			r.synthesize(job)
		case <-r.ctx.Done():
			// Cancellation drains the queue without synthesizing.
			for range r.queue {
			}
			return
		}
	}
}

// synthesize runs the fallback ladder for one sentence:
//  1. primary (cache, then engine with a deadline) unless locked to fallback
//     or gated unhealthy;
//  2. cached primary audio;
//  3. fallback (cache, then engine), locking the response to fallback.
func (r *Response) synthesize(job sentenceJob) {
	cfg := r.p.cfg
	primary, fallback := cfg.Primary, cfg.Fallback

	locked := r.lockState()
	tryPrimary := locked == "" || locked == primary.Name()

	if tryPrimary {
		if audio, ok := cfg.Cache.Get(primary.Name(), job.text); ok {
			r.deliver(job, primary.Name(), audio)
			return
		}
		healthy := cfg.PrimaryHealthy == nil || cfg.PrimaryHealthy()
		if healthy {
			start := time.Now()
			ctx, cancel := context.WithTimeout(r.ctx, cfg.PrimaryTimeout)
			audio, err := primary.Synthesize(ctx, job.text)
			cancel()
			if err == nil {
				synthDuration.WithLabelValues(primary.Name(), "ok").Observe(time.Since(start).Seconds())
				cfg.Cache.Put(primary.Name(), job.text, audio)
				r.deliver(job, primary.Name(), audio)
				return
			}
			synthDuration.WithLabelValues(primary.Name(), "error").Observe(time.Since(start).Seconds())
			if r.ctx.Err() != nil {
				return
			}
			r.p.logger.Warn("primary synthesis failed, falling back",
				"index", job.index, "error", err)
		}
	}

	if fallback == nil {
		if r.ctx.Err() == nil {
			r.p.logger.Error("no fallback engine configured, sentence dropped",
				"index", job.index)
		}
		return
	}

	// Once fallback, always fallback: a single voice per response.
	r.lockTo(fallback.Name())

	if audio, ok := cfg.Cache.Get(fallback.Name(), job.text); ok {
		r.deliver(job, fallback.Name(), audio)
		return
	}
	start := time.Now()
	audio, err := fallback.Synthesize(r.ctx, job.text)
	if err != nil {
		synthDuration.WithLabelValues(fallback.Name(), "error").Observe(time.Since(start).Seconds())
		if r.ctx.Err() == nil {
			r.p.logger.Error("fallback synthesis failed, sentence dropped",
				"index", job.index, "error", err)
		}
		return
	}
	synthDuration.WithLabelValues(fallback.Name(), "ok").Observe(time.Since(start).Seconds())
	cfg.Cache.Put(fallback.Name(), job.text, audio)
	r.deliver(job, fallback.Name(), audio)
}

func (r *Response) deliver(job sentenceJob, engine string, wav []byte) {
	// First successful synthesis pins the voice if nothing has yet.
	r.lockIfUnset(engine)

	contentType := "audio/wav"
	audio := wav
	if t := r.p.cfg.Transcoder; t != nil {
		if encoded, err := t.Encode(wav); err == nil {
			contentType = t.ContentType()
			audio = encoded
		} else {
			r.p.logger.Warn("opus transcode failed, emitting wav", "index", job.index, "error", err)
		}
	}

	if r.ctx.Err() != nil {
		return
	}
	r.emit(Chunk{Index: job.index, ContentType: contentType, Audio: audio, Engine: engine})
}

func (r *Response) lockState() string {
	r.lock.mu.Lock()
	defer r.lock.mu.Unlock()
	return r.lock.state
}

func (r *Response) lockIfUnset(engine string) {
	r.lock.mu.Lock()
	defer r.lock.mu.Unlock()
	if r.lock.state == "" {
		r.lock.state = engine
	}
}

func (r *Response) lockTo(engine string) {
	r.lock.mu.Lock()
	defer r.lock.mu.Unlock()
	r.lock.state = engine
}

// EngineLock reports the current lock state ("", primary, or fallback name).
func (r *Response) EngineLock() string { return r.lockState() }

// prewarmPhrases are synthesized at startup to populate both cache tiers.
var prewarmPhrases = []string{
	"Yes, sir.",
	"Right away, sir.",
	"Of course.",
	"One moment.",
	"All systems are operational.",
	"I'm sorry, I didn't catch that.",
	"The cluster is healthy.",
	"Done.",
}

// Prewarm synthesizes the common-phrase list serially after a grace period,
// giving the engines time to come up. Intended to run in its own goroutine.
func (p *Pipeline) Prewarm(ctx context.Context, grace time.Duration) {
	select {
	case <-time.After(grace):
	case <-ctx.Done():
		return
	}
	for _, engine := range []Engine{p.cfg.Primary, p.cfg.Fallback} {
		if engine == nil {
			continue
		}
		if err := engine.Healthy(ctx); err != nil {
			p.logger.Warn("skipping prewarm, engine unhealthy", "engine", engine.Name(), "error", err)
			continue
		}
		for _, phrase := range prewarmPhrases {
			if ctx.Err() != nil {
				return
			}
			if _, ok := p.cfg.Cache.Get(engine.Name(), phrase); ok {
				continue
			}
			audio, err := engine.Synthesize(ctx, phrase)
			if err != nil {
				p.logger.Warn("prewarm synthesis failed", "engine", engine.Name(), "error", err)
				continue
			}
			p.cfg.Cache.Put(engine.Name(), phrase, audio)
		}
		p.logger.Info("tts cache prewarmed", "engine", engine.Name(), "phrases", len(prewarmPhrases))
	}
}
