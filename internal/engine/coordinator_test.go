package engine

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scrollDynasty/voiceaicargoprime/internal/gateway"
	"github.com/scrollDynasty/voiceaicargoprime/internal/registry"
)

type slowSTT struct {
	mu       sync.Mutex
	inflight int32
	maxSeen  int32
	calls    int32
	chunks   [][]byte
	text     string
	delay    time.Duration
}

func (f *slowSTT) Transcribe(ctx context.Context, audio []byte, language string) (string, float64, error) {
	cur := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, cur) {
			break
		}
	}
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.chunks = append(f.chunks, append([]byte(nil), audio...))
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.text, 0.9, nil
}
func (f *slowSTT) Close() error { return nil }

type stubLLM struct{ answer string }

func (f *stubLLM) StreamAnswer(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	out := make(chan string, 1)
	errs := make(chan error, 1)
	out <- f.answer
	close(out)
	close(errs)
	return out, errs
}
func (f *stubLLM) Close() error { return nil }

type stubTTS struct{ audio []byte }

func (f *stubTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return f.audio, nil
}
func (f *stubTTS) Close() error { return nil }

func newCoordinatorUnderTest(t *testing.T, s *slowSTT) (*Coordinator, *registry.Registry) {
	t.Helper()
	log := testLog()
	gw := &gateway.Gateway{
		STT:        s,
		LLM:        &stubLLM{answer: "reply"},
		TTS:        &stubTTS{audio: []byte{9, 9}},
		MaxHistory: 10,
		Log:        log,
	}
	pool := &PipelinePool{NumWorkers: 4, QueueSize: 16, Logger: log}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("pool: %v", err)
	}
	reg := registry.New(log)
	c := NewCoordinator(reg, gw, pool, NopPublisher{}, "sorry", log)
	return c, reg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestThresholdTriggersSingleRunAndClearsBuffer(t *testing.T) {
	s := &slowSTT{text: "hello"}
	c, reg := newCoordinatorUnderTest(t, s)
	reg.CreateOrGet("c1", func(sess *registry.CallSession) { sess.ChunkBytes = 100 })
	c.Register(context.Background(), "c1")
	c.BindSink("c1", func([]byte) error { return nil })

	// below threshold: nothing runs
	c.OnAudioFragment("c1", make([]byte, 60))
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&s.calls) != 0 {
		t.Fatal("pipeline ran below threshold")
	}

	// crossing it runs exactly one pipeline over all buffered audio
	c.OnAudioFragment("c1", make([]byte, 60))
	waitFor(t, func() bool { return atomic.LoadInt32(&s.calls) == 1 })

	s.mu.Lock()
	got := len(s.chunks[0])
	s.mu.Unlock()
	if got != 120 {
		t.Fatalf("pipeline saw %d bytes, want 120", got)
	}

	waitFor(t, func() bool {
		var empty bool
		reg.WithLock("c1", func(sess *registry.CallSession) {
			empty = len(sess.AudioIn) == 0 && !sess.Processing
		})
		return empty
	})
}

func TestNoOverlappingRunsPerCall(t *testing.T) {
	s := &slowSTT{text: "hi", delay: 40 * time.Millisecond}
	c, reg := newCoordinatorUnderTest(t, s)
	reg.CreateOrGet("c1", func(sess *registry.CallSession) { sess.ChunkBytes = 10 })
	c.Register(context.Background(), "c1")

	for i := 0; i < 30; i++ {
		c.OnAudioFragment("c1", make([]byte, 8))
		time.Sleep(2 * time.Millisecond)
	}
	waitFor(t, func() bool {
		var idle bool
		reg.WithLock("c1", func(sess *registry.CallSession) { idle = !sess.Processing })
		return idle && atomic.LoadInt32(&s.inflight) == 0
	})

	if max := atomic.LoadInt32(&s.maxSeen); max > 1 {
		t.Fatalf("saw %d concurrent pipeline runs for one call, want at most 1", max)
	}
}

func TestSilenceSkipsGeneration(t *testing.T) {
	s := &slowSTT{text: ""}
	c, reg := newCoordinatorUnderTest(t, s)
	reg.CreateOrGet("c1", func(sess *registry.CallSession) { sess.ChunkBytes = 10 })
	c.Register(context.Background(), "c1")

	var delivered int32
	c.BindSink("c1", func([]byte) error { atomic.AddInt32(&delivered, 1); return nil })

	c.OnAudioFragment("c1", make([]byte, 20))
	waitFor(t, func() bool { return atomic.LoadInt32(&s.calls) == 1 })
	time.Sleep(30 * time.Millisecond)

	if atomic.LoadInt32(&delivered) != 0 {
		t.Fatal("silence produced reply audio")
	}
	reg.WithLock("c1", func(sess *registry.CallSession) {
		if len(sess.History) != 0 {
			t.Errorf("silence recorded %d turns", len(sess.History))
		}
	})
}

func TestFragmentsForUnknownCallDropped(t *testing.T) {
	s := &slowSTT{text: "x"}
	c, _ := newCoordinatorUnderTest(t, s)
	c.OnAudioFragment("ghost", make([]byte, 1000))
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&s.calls) != 0 {
		t.Fatal("pipeline ran for unknown call")
	}
}

func TestPipelineRecordsTurnsAndDelivers(t *testing.T) {
	s := &slowSTT{text: "where is truck 42"}
	c, reg := newCoordinatorUnderTest(t, s)
	reg.CreateOrGet("c1", func(sess *registry.CallSession) { sess.ChunkBytes = 10 })
	c.Register(context.Background(), "c1")

	var delivered int32
	c.BindSink("c1", func(pcm []byte) error {
		atomic.AddInt32(&delivered, int32(len(pcm)))
		return nil
	})

	c.OnAudioFragment("c1", make([]byte, 16))
	waitFor(t, func() bool { return atomic.LoadInt32(&delivered) > 0 })

	reg.WithLock("c1", func(sess *registry.CallSession) {
		if len(sess.History) != 2 {
			t.Fatalf("history = %d turns, want caller+assistant", len(sess.History))
		}
		if sess.History[0].Role != "caller" || sess.History[1].Role != "assistant" {
			t.Errorf("roles = %s,%s", sess.History[0].Role, sess.History[1].Role)
		}
		if sess.History[1].Text != "reply" {
			t.Errorf("assistant text = %q", sess.History[1].Text)
		}
	})
}

func TestStopRecordingDropsAudio(t *testing.T) {
	s := &slowSTT{text: "x"}
	c, reg := newCoordinatorUnderTest(t, s)
	reg.CreateOrGet("c1", func(sess *registry.CallSession) { sess.ChunkBytes = 10 })
	c.Register(context.Background(), "c1")

	if _, err := c.OnCommand("c1", []byte(`{"type":"stop_recording"}`)); err != nil {
		t.Fatalf("OnCommand: %v", err)
	}
	c.OnAudioFragment("c1", make([]byte, 100))
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&s.calls) != 0 {
		t.Fatal("pipeline ran while recording was stopped")
	}

	if _, err := c.OnCommand("c1", []byte(`{"type":"start_recording"}`)); err != nil {
		t.Fatalf("OnCommand: %v", err)
	}
	c.OnAudioFragment("c1", make([]byte, 100))
	waitFor(t, func() bool { return atomic.LoadInt32(&s.calls) == 1 })
}

func TestGetTranscriptCommand(t *testing.T) {
	s := &slowSTT{text: "x"}
	c, reg := newCoordinatorUnderTest(t, s)
	reg.CreateOrGet("c1", nil)
	reg.WithLock("c1", func(sess *registry.CallSession) {
		sess.AppendTurn("caller", "hello")
	})

	raw, err := c.OnCommand("c1", []byte(`{"type":"get_transcript"}`))
	if err != nil {
		t.Fatalf("OnCommand: %v", err)
	}
	var resp struct {
		Type  string          `json:"type"`
		Turns []registry.Turn `json:"turns"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("reply not JSON: %v", err)
	}
	if resp.Type != "transcript" || len(resp.Turns) != 1 || resp.Turns[0].Text != "hello" {
		t.Fatalf("reply = %+v", resp)
	}
}
