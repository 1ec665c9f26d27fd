package loopdetect

import (
	"strings"
	"sync"
	"time"

	"github.com/conductorhq/conductor/internal/orchestration/activitystream"
)

// Pattern inspects the rolling text buffer and returns a LoopInfo if it
// recognizes a stuck pattern, or nil otherwise. Patterns are opaque and run
// in the order they were configured; the first to match wins.
type Pattern func(text string) *LoopInfo

// TextStreamConfig configures a TextStreamDetector.
type TextStreamConfig struct {
	// Kind is the activity-stream event kind whose Text field is
	// accumulated into the rolling buffer (typically THOUGHT_CHUNK or
	// RESPONSE_CHUNK).
	Kind activitystream.Kind
	// WarmupChars is the minimum buffer length before any pattern is run.
	WarmupChars int
	// CheckInterval is the fixed cadence at which patterns are evaluated.
	CheckInterval time.Duration
	// MaxBufferChars bounds the rolling buffer; once exceeded, the oldest
	// content is dropped from the front. Zero means unbounded.
	MaxBufferChars int
	// Patterns are evaluated in order; the first match wins.
	Patterns []Pattern
}

func sanitizeTextStreamConfig(cfg TextStreamConfig) TextStreamConfig {
	if cfg.WarmupChars <= 0 {
		cfg.WarmupChars = 200
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	return cfg
}

// TextStreamDetector watches a stream of text chunks for repeated patterns
// (e.g. the model emitting the same sentence over and over). It subscribes
// to an activitystream.Stream, concatenates chunks into a rolling buffer,
// and evaluates its configured Patterns on a ticker. Once a pattern fires,
// checks halt until Reset is called, so a single stuck episode produces
// exactly one callback invocation.
type TextStreamDetector struct {
	cfg    TextStreamConfig
	stream *activitystream.Stream
	onLoop func(LoopInfo)

	mu       sync.Mutex
	buffer   strings.Builder
	fired    bool
	unsub    activitystream.Unsubscribe
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// NewTextStreamDetector creates a detector bound to stream. onLoop is
// invoked at most once per activation cycle, synchronously from the
// detector's internal ticker goroutine.
func NewTextStreamDetector(stream *activitystream.Stream, cfg TextStreamConfig, onLoop func(LoopInfo)) *TextStreamDetector {
	return &TextStreamDetector{
		cfg:    sanitizeTextStreamConfig(cfg),
		stream: stream,
		onLoop: onLoop,
	}
}

// Start subscribes to the stream and begins the periodic pattern-check
// loop. Start is a no-op if already running.
func (d *TextStreamDetector) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	stopCh := d.stopCh
	doneCh := d.doneCh
	d.mu.Unlock()

	if d.stream != nil {
		d.unsub = d.stream.Subscribe(d.cfg.Kind, d.onChunk)
	}

	go d.run(stopCh, doneCh)
}

// Stop unsubscribes from the stream and halts the check loop.
func (d *TextStreamDetector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	stopCh := d.stopCh
	doneCh := d.doneCh
	d.mu.Unlock()

	if d.unsub != nil {
		d.unsub()
		d.unsub = nil
	}
	close(stopCh)
	<-doneCh
}

func (d *TextStreamDetector) onChunk(event activitystream.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffer.WriteString(event.Text)
	if d.cfg.MaxBufferChars > 0 && d.buffer.Len() > d.cfg.MaxBufferChars {
		overflow := d.buffer.String()[d.buffer.Len()-d.cfg.MaxBufferChars:]
		d.buffer.Reset()
		d.buffer.WriteString(overflow)
	}
}

func (d *TextStreamDetector) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			d.check()
		}
	}
}

func (d *TextStreamDetector) check() {
	d.mu.Lock()
	if d.fired || d.buffer.Len() < d.cfg.WarmupChars {
		d.mu.Unlock()
		return
	}
	text := d.buffer.String()
	d.mu.Unlock()

	for _, pattern := range d.cfg.Patterns {
		info := pattern(text)
		if info == nil {
			continue
		}
		d.mu.Lock()
		if d.fired {
			d.mu.Unlock()
			return
		}
		d.fired = true
		d.mu.Unlock()
		if d.onLoop != nil {
			d.onLoop(*info)
		}
		return
	}
}

// Reset clears the rolling buffer and re-arms the detector so the next
// activation cycle can fire again.
func (d *TextStreamDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffer.Reset()
	d.fired = false
}

// RepeatedSentencePattern returns a Pattern that fires when the tail of the
// buffer contains the same non-trivial substring repeated at least minRepeats
// times back-to-back, a common shape for a model stuck restating itself.
func RepeatedSentencePattern(minChunkLen, minRepeats int) Pattern {
	return func(text string) *LoopInfo {
		if minChunkLen <= 0 || minRepeats <= 1 || len(text) < minChunkLen*minRepeats {
			return nil
		}
		tail := text[len(text)-minChunkLen*minRepeats:]
		chunk := tail[:minChunkLen]
		if strings.TrimSpace(chunk) == "" {
			return nil
		}
		count := 0
		for i := 0; i+minChunkLen <= len(tail); i += minChunkLen {
			if tail[i:i+minChunkLen] == chunk {
				count++
			} else {
				break
			}
		}
		if count < minRepeats {
			return nil
		}
		return &LoopInfo{
			Kind:     KindTextStreamRepeat,
			Severity: SeverityHigh,
			Message:  "model output is repeating the same text segment",
		}
	}
}
