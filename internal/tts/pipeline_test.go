package tts

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeEngine records synthesis calls and fails on demand.
type fakeEngine struct {
	name string

	mu          sync.Mutex
	calls       []string
	failTexts   map[string]bool
	failAll     bool
	delay       time.Duration
	inFlight    int
	maxInFlight int
	probeErr    error
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Synthesize(ctx context.Context, text string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	fail := f.failAll || f.failTexts[text]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			f.done()
			return nil, ctx.Err()
		}
	}
	f.done()
	if fail {
		return nil, errors.New("synthesis exploded")
	}
	return []byte(f.name + ":" + text), nil
}

func (f *fakeEngine) done() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeEngine) Healthy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeErr
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type chunkSink struct {
	mu     sync.Mutex
	chunks []Chunk
}

func (s *chunkSink) emit(c Chunk) {
	s.mu.Lock()
	s.chunks = append(s.chunks, c)
	s.mu.Unlock()
}

func (s *chunkSink) sorted() []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Chunk, len(s.chunks))
	copy(out, s.chunks)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func newTestPipeline(t *testing.T, primary, fallback *fakeEngine, parallel int) *Pipeline {
	t.Helper()
	cache, err := NewCache(t.TempDir(), 0, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return NewPipeline(Config{
		Primary:        primary,
		Fallback:       fallback,
		Cache:          cache,
		Parallel:       parallel,
		PrimaryTimeout: time.Second,
		Logger:         testLogger(),
	})
}

func TestAllSentencesUsePrimaryWhenHealthy(t *testing.T) {
	primary := &fakeEngine{name: "xtts"}
	fallback := &fakeEngine{name: "piper"}
	p := newTestPipeline(t, primary, fallback, 2)

	sink := &chunkSink{}
	r := p.NewResponse(context.Background(), sink.emit)
	for i, text := range []string{"One two three.", "Four five six.", "Seven eight nine."} {
		r.Enqueue(i, text)
	}
	r.CloseAndWait()

	chunks := sink.sorted()
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
		if c.Engine != "xtts" {
			t.Errorf("chunk %d synthesized by %s", i, c.Engine)
		}
		if c.ContentType != "audio/wav" {
			t.Errorf("chunk %d content type %s", i, c.ContentType)
		}
	}
	if fallback.callCount() != 0 {
		t.Fatalf("fallback called %d times", fallback.callCount())
	}
	if got := r.EngineLock(); got != "xtts" {
		t.Fatalf("engine lock = %q", got)
	}
}

func TestFallbackLockIsSticky(t *testing.T) {
	primary := &fakeEngine{name: "xtts", failTexts: map[string]bool{"Second sentence.": true}}
	fallback := &fakeEngine{name: "piper"}
	p := newTestPipeline(t, primary, fallback, 1)

	sink := &chunkSink{}
	r := p.NewResponse(context.Background(), sink.emit)
	r.Enqueue(0, "First sentence.")
	r.Enqueue(1, "Second sentence.")
	r.Enqueue(2, "Third sentence.")
	r.CloseAndWait()

	chunks := sink.sorted()
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	wantEngines := []string{"xtts", "piper", "piper"}
	for i, c := range chunks {
		if c.Engine != wantEngines[i] {
			t.Errorf("chunk %d engine = %s, want %s", i, c.Engine, wantEngines[i])
		}
	}
	// Once locked to fallback the primary never sees the third sentence.
	for _, text := range primary.calls {
		if text == "Third sentence." {
			t.Fatal("primary called after fallback lock")
		}
	}
	if got := r.EngineLock(); got != "piper" {
		t.Fatalf("engine lock = %q", got)
	}
}

func TestCacheHitSkipsSynthesis(t *testing.T) {
	primary := &fakeEngine{name: "xtts"}
	fallback := &fakeEngine{name: "piper"}
	p := newTestPipeline(t, primary, fallback, 1)
	p.cfg.Cache.Put("xtts", "Cached line.", []byte("cached-audio"))

	sink := &chunkSink{}
	r := p.NewResponse(context.Background(), sink.emit)
	r.Enqueue(0, "Cached line.")
	r.CloseAndWait()

	if primary.callCount() != 0 {
		t.Fatalf("primary synthesized despite cache hit")
	}
	chunks := sink.sorted()
	if len(chunks) != 1 || string(chunks[0].Audio) != "cached-audio" {
		t.Fatalf("chunks = %+v", chunks)
	}
}

func TestUnhealthyPrimaryGoesStraightToFallback(t *testing.T) {
	primary := &fakeEngine{name: "xtts"}
	fallback := &fakeEngine{name: "piper"}
	cache, err := NewCache(t.TempDir(), 0, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	p := NewPipeline(Config{
		Primary:        primary,
		Fallback:       fallback,
		Cache:          cache,
		Parallel:       1,
		PrimaryHealthy: func() bool { return false },
		Logger:         testLogger(),
	})

	sink := &chunkSink{}
	r := p.NewResponse(context.Background(), sink.emit)
	r.Enqueue(0, "Anyone home?")
	r.CloseAndWait()

	if primary.callCount() != 0 {
		t.Fatal("primary synthesized while gated unhealthy")
	}
	chunks := sink.sorted()
	if len(chunks) != 1 || chunks[0].Engine != "piper" {
		t.Fatalf("chunks = %+v", chunks)
	}
}

func TestBothEnginesFailingDropsSentence(t *testing.T) {
	primary := &fakeEngine{name: "xtts", failAll: true}
	fallback := &fakeEngine{name: "piper", failAll: true}
	p := newTestPipeline(t, primary, fallback, 1)

	sink := &chunkSink{}
	r := p.NewResponse(context.Background(), sink.emit)
	r.Enqueue(0, "Doomed sentence.")
	r.CloseAndWait()

	if len(sink.sorted()) != 0 {
		t.Fatalf("chunks emitted despite total failure: %+v", sink.sorted())
	}
}

func TestSingleEngineWithoutCacheSurvivesFailure(t *testing.T) {
	primary := &fakeEngine{name: "piper", failTexts: map[string]bool{"Broken sentence.": true}}
	p := NewPipeline(Config{
		Primary:  primary,
		Parallel: 1,
		Logger:   testLogger(),
	})

	sink := &chunkSink{}
	r := p.NewResponse(context.Background(), sink.emit)
	r.Enqueue(0, "Broken sentence.")
	r.Enqueue(1, "Working sentence.")
	r.CloseAndWait()

	chunks := sink.sorted()
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Index != 1 || chunks[0].Engine != "piper" {
		t.Fatalf("chunk = %+v", chunks[0])
	}
	if got := r.EngineLock(); got != "piper" {
		t.Fatalf("engine lock = %q", got)
	}
}

func TestParallelismIsBounded(t *testing.T) {
	primary := &fakeEngine{name: "xtts", delay: 20 * time.Millisecond}
	fallback := &fakeEngine{name: "piper"}
	p := newTestPipeline(t, primary, fallback, 2)

	sink := &chunkSink{}
	r := p.NewResponse(context.Background(), sink.emit)
	for i := 0; i < 8; i++ {
		r.Enqueue(i, "Sentence number "+string(rune('A'+i))+".")
	}
	r.CloseAndWait()

	if primary.maxInFlight > 2 {
		t.Fatalf("max in-flight synthesis = %d, want <= 2", primary.maxInFlight)
	}
	if len(sink.sorted()) != 8 {
		t.Fatalf("got %d chunks, want 8", len(sink.sorted()))
	}
}

func TestCancellationStopsEmission(t *testing.T) {
	primary := &fakeEngine{name: "xtts", delay: 50 * time.Millisecond}
	fallback := &fakeEngine{name: "piper"}
	p := newTestPipeline(t, primary, fallback, 1)

	ctx, cancel := context.WithCancel(context.Background())
	sink := &chunkSink{}
	r := p.NewResponse(ctx, sink.emit)
	for i := 0; i < 5; i++ {
		r.Enqueue(i, "A long queued sentence.")
	}
	cancel()
	r.CloseAndWait()

	// Cancellation may race the in-flight sentence, but the queue must not
	// be fully synthesized.
	if n := len(sink.sorted()); n >= 5 {
		t.Fatalf("all %d chunks emitted after cancellation", n)
	}
}

func TestPrewarmPopulatesCache(t *testing.T) {
	primary := &fakeEngine{name: "xtts"}
	fallback := &fakeEngine{name: "piper"}
	p := newTestPipeline(t, primary, fallback, 1)

	p.Prewarm(context.Background(), 0)

	for _, phrase := range prewarmPhrases {
		if _, ok := p.cfg.Cache.Get("xtts", phrase); !ok {
			t.Errorf("phrase %q missing from primary cache", phrase)
		}
		if _, ok := p.cfg.Cache.Get("piper", phrase); !ok {
			t.Errorf("phrase %q missing from fallback cache", phrase)
		}
	}
}

func TestPrewarmSkipsUnhealthyEngine(t *testing.T) {
	primary := &fakeEngine{name: "xtts", probeErr: errors.New("down")}
	fallback := &fakeEngine{name: "piper"}
	p := newTestPipeline(t, primary, fallback, 1)

	p.Prewarm(context.Background(), 0)

	if primary.callCount() != 0 {
		t.Fatal("prewarm synthesized on unhealthy engine")
	}
	if fallback.callCount() != len(prewarmPhrases) {
		t.Fatalf("fallback prewarm calls = %d", fallback.callCount())
	}
}
