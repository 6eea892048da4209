package timing

import (
	"testing"
	"time"
)

func TestMarkFirstWriteWins(t *testing.T) {
	timer := New()
	timer.Mark(MarkFirstToken)
	first, ok := timer.Elapsed(MarkFirstToken)
	if !ok {
		t.Fatal("mark not recorded")
	}

	time.Sleep(5 * time.Millisecond)
	timer.Mark(MarkFirstToken)
	second, _ := timer.Elapsed(MarkFirstToken)
	if second != first {
		t.Fatalf("repeated mark overwrote: %v != %v", second, first)
	}
}

func TestElapsedUnknownMark(t *testing.T) {
	timer := New()
	if _, ok := timer.Elapsed("never"); ok {
		t.Fatal("expected missing mark")
	}
}

func TestBreakdownIncludesTotal(t *testing.T) {
	timer := New()
	timer.Mark(MarkFirstToken)
	timer.Mark(MarkFirstAudio)

	b := timer.Breakdown()
	if _, ok := b[MarkFirstToken]; !ok {
		t.Fatal("breakdown missing first_token")
	}
	if _, ok := b[MarkFirstAudio]; !ok {
		t.Fatal("breakdown missing first_audio")
	}
	if _, ok := b["total"]; !ok {
		t.Fatal("breakdown missing total")
	}
	if b["total"] < b[MarkFirstAudio] {
		t.Fatalf("total %d < first_audio %d", b["total"], b[MarkFirstAudio])
	}
}

func TestMarksAreMonotonic(t *testing.T) {
	timer := New()
	timer.Mark(MarkFirstToken)
	time.Sleep(2 * time.Millisecond)
	timer.Mark(MarkFirstSentence)

	token, _ := timer.Elapsed(MarkFirstToken)
	sentence, _ := timer.Elapsed(MarkFirstSentence)
	if sentence < token {
		t.Fatalf("later mark has smaller offset: %v < %v", sentence, token)
	}
}
