package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/scrollDynasty/voiceaicargoprime/internal/gateway"
	"github.com/scrollDynasty/voiceaicargoprime/internal/registry"
	"github.com/scrollDynasty/voiceaicargoprime/internal/utils"
)

// AudioSink delivers synthesized PCM back to a call's transport.
type AudioSink func(pcm []byte) error

// Coordinator buffers caller audio per call and runs the
// transcribe -> generate -> synthesize pipeline when enough has
// accumulated. Ingestion only appends under the session lock; the
// pipeline runs on the worker pool with a swapped-out copy of the buffer,
// so a slow provider never stalls incoming audio.
type Coordinator struct {
	Registry     *registry.Registry
	Gateway      *gateway.Gateway
	Pool         *PipelinePool
	Publisher    EventPublisher
	FallbackText string
	Log          *logrus.Logger

	mu    sync.Mutex
	sinks map[string]AudioSink
	ctxs  map[string]context.CancelFunc
	calls map[string]context.Context
}

func NewCoordinator(reg *registry.Registry, gw *gateway.Gateway, pool *PipelinePool, pub EventPublisher, fallback string, log *logrus.Logger) *Coordinator {
	return &Coordinator{
		Registry:     reg,
		Gateway:      gw,
		Pool:         pool,
		Publisher:    pub,
		FallbackText: fallback,
		Log:          log,
		sinks:        make(map[string]AudioSink),
		ctxs:         make(map[string]context.CancelFunc),
		calls:        make(map[string]context.Context),
	}
}

// Register creates the per-call context every pipeline run for callID is
// bound to. Cancel tears it down; queued and running pipeline work stops.
func (c *Coordinator) Register(parent context.Context, callID string) context.Context {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.calls[callID] = ctx
	c.ctxs[callID] = cancel
	c.mu.Unlock()
	return ctx
}

func (c *Coordinator) Cancel(callID string) {
	c.mu.Lock()
	cancel := c.ctxs[callID]
	delete(c.ctxs, callID)
	delete(c.calls, callID)
	delete(c.sinks, callID)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// BindSink attaches the transport's audio output for a call. Synthesized
// replies are dropped while no sink is bound.
func (c *Coordinator) BindSink(callID string, sink AudioSink) {
	c.mu.Lock()
	c.sinks[callID] = sink
	c.mu.Unlock()
}

func (c *Coordinator) UnbindSink(callID string) {
	c.mu.Lock()
	delete(c.sinks, callID)
	c.mu.Unlock()
}

// OnAudioFragment appends one fragment of caller PCM. When the buffer
// crosses the session's threshold and no pipeline run is in flight, the
// buffer is swapped out atomically and a run is queued. Fragments for
// unknown or ended calls are dropped.
func (c *Coordinator) OnAudioFragment(callID string, pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	var chunk []byte
	c.Registry.WithLock(callID, func(s *registry.CallSession) {
		if s.State.Terminal() || !s.Recording {
			return
		}
		s.AudioIn = append(s.AudioIn, pcm...)
		s.Touch()
		if s.ChunkBytes > 0 && len(s.AudioIn) >= s.ChunkBytes && !s.Processing {
			chunk = s.AudioIn
			s.AudioIn = nil
			s.Processing = true
		}
	})
	if chunk == nil {
		return
	}
	c.dispatch(callID, chunk)
}

func (c *Coordinator) dispatch(callID string, chunk []byte) {
	c.mu.Lock()
	ctx := c.calls[callID]
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	ok := c.Pool.Submit(Job{
		CallID: callID,
		Ctx:    ctx,
		Run: func(jctx context.Context) {
			c.runPipeline(jctx, callID, chunk)
		},
	})
	if !ok {
		// queue full: put the marker back so the next crossing retries
		c.Registry.WithLock(callID, func(s *registry.CallSession) {
			s.Processing = false
		})
	}
}

func (c *Coordinator) runPipeline(ctx context.Context, callID string, chunk []byte) {
	log := c.Log.WithField("call_id", callID)

	var rerun []byte
	defer func() {
		c.Registry.WithLock(callID, func(s *registry.CallSession) {
			s.Processing = false
			// audio kept arriving during this run; trigger the next one
			if s.ChunkBytes > 0 && len(s.AudioIn) >= s.ChunkBytes && !s.State.Terminal() {
				rerun = s.AudioIn
				s.AudioIn = nil
				s.Processing = true
			}
		})
		if rerun != nil {
			c.dispatch(callID, rerun)
		}
	}()

	text, err := c.Gateway.Transcribe(ctx, chunk)
	if err != nil {
		log.WithError(err).Error("transcription failed")
		c.speakFallback(ctx, callID)
		return
	}
	if text == "" {
		log.Debug("silence, skipping pipeline")
		return
	}

	var history []registry.Turn
	live := c.Registry.WithLock(callID, func(s *registry.CallSession) {
		s.AppendTurn("caller", text)
		history = append(history, s.History...)
	})
	if !live || ctx.Err() != nil {
		return
	}
	c.Publisher.Publish(ctx, Event{Type: "transcript", CallID: callID, Text: text})

	// the just-appended caller turn is the current user text
	answer, err := c.Gateway.Generate(ctx, text, history[:len(history)-1])
	if err != nil {
		log.WithError(err).Error("generation failed")
		c.speakFallback(ctx, callID)
		return
	}

	live = c.Registry.WithLock(callID, func(s *registry.CallSession) {
		s.AppendTurn("assistant", answer)
	})
	if !live || ctx.Err() != nil {
		return
	}
	c.Publisher.Publish(ctx, Event{Type: "reply", CallID: callID, Text: answer})

	audio, err := c.Gateway.Synthesize(ctx, answer)
	if err != nil {
		log.WithError(err).Error("synthesis failed")
		return
	}
	c.Deliver(callID, audio)
}

// speakFallback plays the canned apology so the caller is not left with
// dead air after a provider failure.
func (c *Coordinator) speakFallback(ctx context.Context, callID string) {
	if c.FallbackText == "" || ctx.Err() != nil {
		return
	}
	c.Publisher.Publish(ctx, Event{Type: "error", CallID: callID, Text: c.FallbackText})
	audio, err := c.Gateway.Synthesize(ctx, c.FallbackText)
	if err != nil {
		c.Log.WithError(err).WithField("call_id", callID).Error("fallback synthesis failed")
		return
	}
	c.Deliver(callID, audio)
}

// Deliver hands synthesized PCM to the call's bound sink.
func (c *Coordinator) Deliver(callID string, pcm []byte) {
	c.mu.Lock()
	sink := c.sinks[callID]
	c.mu.Unlock()
	if sink == nil {
		c.Log.WithField("call_id", callID).Debug("no audio sink bound, dropping reply audio")
		return
	}
	if err := sink(pcm); err != nil {
		c.Log.WithError(err).WithField("call_id", callID).Warn("audio delivery failed")
	}
}

// Command is a control message from a bridge connection.
type Command struct {
	Type string `json:"type"`
}

// OnCommand handles a text command for a call and returns the JSON reply
// to send back, or nil when the command has no reply.
func (c *Coordinator) OnCommand(callID string, raw []byte) ([]byte, error) {
	const op = "Coordinator.OnCommand"

	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, utils.E(utils.CodeInvalidArgument, op, "command is not valid JSON", err)
	}

	switch cmd.Type {
	case "get_transcript":
		var turns []registry.Turn
		ok := c.Registry.WithLock(callID, func(s *registry.CallSession) {
			turns = append(turns, s.History...)
		})
		if !ok {
			return nil, utils.E(utils.CodeNotFound, op, "unknown call", nil)
		}
		return json.Marshal(map[string]any{"type": "transcript", "call_id": callID, "turns": turns})

	case "get_state":
		var state registry.CallState
		ok := c.Registry.WithLock(callID, func(s *registry.CallSession) {
			state = s.State
		})
		if !ok {
			return nil, utils.E(utils.CodeNotFound, op, "unknown call", nil)
		}
		return json.Marshal(map[string]any{"type": "state", "call_id": callID, "state": state})

	case "clear_buffer":
		ok := c.Registry.WithLock(callID, func(s *registry.CallSession) {
			s.AudioIn = nil
		})
		if !ok {
			return nil, utils.E(utils.CodeNotFound, op, "unknown call", nil)
		}
		return nil, nil

	case "start_recording", "stop_recording":
		recording := cmd.Type == "start_recording"
		ok := c.Registry.WithLock(callID, func(s *registry.CallSession) {
			s.Recording = recording
		})
		if !ok {
			return nil, utils.E(utils.CodeNotFound, op, "unknown call", nil)
		}
		return json.Marshal(map[string]any{"type": "recording", "call_id": callID, "recording": recording})

	default:
		return nil, utils.E(utils.CodeInvalidArgument, op, "unknown command "+cmd.Type, nil)
	}
}
