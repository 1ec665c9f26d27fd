package loopdetect

import (
	"testing"
	"time"

	"github.com/conductorhq/conductor/internal/orchestration/activitystream"
)

func TestTextStreamDetector_FiresOncePerActivation(t *testing.T) {
	stream := activitystream.New(nil)
	fired := make(chan LoopInfo, 4)

	d := NewTextStreamDetector(stream, TextStreamConfig{
		Kind:          activitystream.KindResponseChunk,
		WarmupChars:   5,
		CheckInterval: 10 * time.Millisecond,
		Patterns: []Pattern{
			func(text string) *LoopInfo {
				if len(text) >= 5 {
					return &LoopInfo{Kind: KindTextStreamRepeat, Severity: SeverityHigh}
				}
				return nil
			},
		},
	}, func(info LoopInfo) { fired <- info })
	d.Start()
	defer d.Stop()

	stream.Emit(activitystream.Event{Kind: activitystream.KindResponseChunk, Text: "hello world"})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected detector to fire")
	}

	// Further chunks must not fire again until Reset.
	stream.Emit(activitystream.Event{Kind: activitystream.KindResponseChunk, Text: "more text"})
	select {
	case <-fired:
		t.Fatal("detector fired a second time before Reset")
	case <-time.After(50 * time.Millisecond):
	}

	d.Reset()
	stream.Emit(activitystream.Event{Kind: activitystream.KindResponseChunk, Text: "hello again"})
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected detector to fire again after Reset")
	}
}

func TestTextStreamDetector_WarmupGate(t *testing.T) {
	stream := activitystream.New(nil)
	fired := make(chan LoopInfo, 1)

	d := NewTextStreamDetector(stream, TextStreamConfig{
		Kind:          activitystream.KindResponseChunk,
		WarmupChars:   1000,
		CheckInterval: 10 * time.Millisecond,
		Patterns: []Pattern{
			func(text string) *LoopInfo {
				return &LoopInfo{Kind: KindTextStreamRepeat}
			},
		},
	}, func(info LoopInfo) { fired <- info })
	d.Start()
	defer d.Stop()

	stream.Emit(activitystream.Event{Kind: activitystream.KindResponseChunk, Text: "short"})
	select {
	case <-fired:
		t.Fatal("detector fired before warmup threshold was reached")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRepeatedSentencePattern(t *testing.T) {
	pattern := RepeatedSentencePattern(5, 3)
	if info := pattern("abcdeabcdeabcde"); info == nil {
		t.Fatal("expected pattern to detect 3 repeats of a 5-char chunk")
	}
	if info := pattern("abcdeabcdx"); info != nil {
		t.Fatal("did not expect a match for non-repeating text")
	}
}
