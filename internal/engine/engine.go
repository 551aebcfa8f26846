package engine

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scrollDynasty/voiceaicargoprime/config"
	"github.com/scrollDynasty/voiceaicargoprime/internal/media"
	"github.com/scrollDynasty/voiceaicargoprime/internal/models"
	"github.com/scrollDynasty/voiceaicargoprime/internal/registry"
	"github.com/scrollDynasty/voiceaicargoprime/internal/services"
	"github.com/scrollDynasty/voiceaicargoprime/internal/storage"
	"github.com/scrollDynasty/voiceaicargoprime/internal/utils"
)

// ControlAPI is the slice of the provider client the engine drives.
type ControlAPI interface {
	AnswerAPI
	Hangup(ctx context.Context, sessionID, partyID string) error
	RingOut(ctx context.Context, from, to string) error
}

// dedupeTTL bounds how long delivered event UUIDs and ended call IDs are
// remembered. Provider redelivery happens within seconds; ten minutes is
// far beyond it.
const dedupeTTL = 10 * time.Minute

// Engine interprets telephony events into call lifecycle actions: it
// creates sessions, answers ringing legs exactly once, speaks the
// greeting, and tears calls down.
type Engine struct {
	Cfg         *config.Config
	Registry    *registry.Registry
	Guard       *Guard
	Coordinator *Coordinator
	Control     ControlAPI
	Recorder    storage.Uploader // nil disables greeting archival
	CallLog     services.CallLogService
	Publisher   EventPublisher
	Log         *logrus.Logger

	// root context every per-call context derives from
	BaseCtx context.Context

	mu         sync.Mutex
	seenEvents map[string]time.Time
	ended      map[string]time.Time
	lastPrune  time.Time
}

func NewEngine(cfg *config.Config, reg *registry.Registry, guard *Guard, coord *Coordinator,
	control ControlAPI, recorder storage.Uploader, callLog services.CallLogService,
	pub EventPublisher, baseCtx context.Context, log *logrus.Logger) *Engine {
	return &Engine{
		Cfg:         cfg,
		Registry:    reg,
		Guard:       guard,
		Coordinator: coord,
		Control:     control,
		Recorder:    recorder,
		CallLog:     callLog,
		Publisher:   pub,
		BaseCtx:     baseCtx,
		Log:         log,
		seenEvents:  make(map[string]time.Time),
		ended:       make(map[string]time.Time),
	}
}

// CallID derives the stable call identifier from the provider's session
// and party identifiers.
func CallID(sessionID, partyID string) string {
	return fmt.Sprintf("%s:%s", sessionID, partyID)
}

// HandleTelephonyEvent applies one webhook notification to the call state
// machine. Redelivered events return a DUPLICATE_EVENT error that callers
// acknowledge with success.
func (e *Engine) HandleTelephonyEvent(ctx context.Context, evt *models.WebhookEvent) error {
	const op = "Engine.HandleTelephonyEvent"

	if evt == nil || evt.Body.TelephonySessionID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "event has no telephony session id", nil)
	}
	if evt.UUID != "" && !e.markSeen(evt.UUID) {
		return utils.E(utils.CodeDuplicateEvent, op, "event "+evt.UUID+" already processed", nil)
	}

	for i := range evt.Body.Parties {
		e.handleParty(ctx, evt.Body.TelephonySessionID, &evt.Body.Parties[i])
	}
	return nil
}

func (e *Engine) handleParty(ctx context.Context, sessionID string, party *models.Party) {
	if party.Direction != "Inbound" {
		return
	}
	if main := e.Cfg.RingCentral.MainNumber; main != "" && party.To.PhoneNumber != main {
		return
	}

	callID := CallID(sessionID, party.ID)
	log := e.Log.WithFields(logrus.Fields{
		"call_id": callID,
		"status":  party.Status.Code,
		"from":    party.From.PhoneNumber,
	})

	switch party.Status.Code {
	case "Setup", "Proceeding", "Ringing":
		if e.recentlyEnded(callID) {
			log.Warn("event for already-ended call, ignoring")
			return
		}
		if !e.Registry.Exists(callID) && e.Cfg.Calls.MaxConcurrent > 0 &&
			e.Registry.Count() >= e.Cfg.Calls.MaxConcurrent {
			log.Warn("concurrent call limit reached, leaving call unanswered")
			return
		}
		snap, created := e.Registry.CreateOrGet(callID, func(s *registry.CallSession) {
			s.TelephonySessionID = sessionID
			s.PartyID = party.ID
			s.Transport = "webhook"
			s.Direction = party.Direction
			s.FromNumber = party.From.PhoneNumber
			s.ToNumber = party.To.PhoneNumber
			s.State = registry.StateRinging
			s.ChunkBytes = e.chunkBytes(e.Cfg.Speech.SampleRateHz)
		})
		if created {
			e.Coordinator.Register(e.baseCtx(), callID)
			log.Info("call session created")
		}
		// deviceId may show up on any of the pre-answer events
		deviceID := party.To.DeviceID
		if deviceID != "" {
			e.Registry.WithLock(callID, func(s *registry.CallSession) {
				s.DeviceID = deviceID
			})
		}
		// answer as soon as a deviceId is known, whichever pre-answer
		// event carried it; the guard keeps the attempt exactly-once
		if !snap.State.Terminal() {
			if deviceID == "" {
				log.Debug("no deviceId yet, cannot answer")
				return
			}
			go e.answerAndGreet(callID, sessionID, party.ID, deviceID)
		}

	case "Answered":
		ok := e.Registry.WithLock(callID, func(s *registry.CallSession) {
			s.Answered = true
			if !s.State.Terminal() && s.State != registry.StateListening {
				s.State = registry.StateAnswered
			}
			s.Touch()
		})
		if !ok {
			log.Warn("answered event for unknown call, ignoring")
			return
		}
		e.Publisher.Publish(ctx, Event{Type: "state", CallID: callID, State: string(registry.StateAnswered)})

	case "Disconnected", "Gone", "Cancelled":
		disposition := "answered"
		var answered bool
		if ok := e.Registry.WithLock(callID, func(s *registry.CallSession) {
			answered = s.Answered
		}); !ok {
			log.Debug("terminal event for unknown call, ignoring")
			return
		}
		if !answered {
			disposition = "missed"
		}
		if party.Status.Reason == "Voicemail" {
			disposition = "voicemail"
		}
		e.Teardown(callID, party.Status.Reason, disposition)
		if disposition == "voicemail" && e.Cfg.Calls.CallbackOnVoicemail {
			go e.callbackAfterVoicemail(party.From.PhoneNumber)
		}

	default:
		log.Debug("unhandled status code")
	}
}

// answerAndGreet runs off the webhook goroutine: the provider's answer
// round trip and greeting synthesis must never delay the webhook response.
func (e *Engine) answerAndGreet(callID, sessionID, partyID, deviceID string) {
	ctx, cancel := context.WithTimeout(e.baseCtx(), 15*time.Second)
	defer cancel()
	log := e.Log.WithField("call_id", callID)

	ok, err := e.Guard.TryAnswer(ctx, callID, sessionID, partyID, deviceID)
	if err != nil {
		if utils.IsCode(err, utils.CodeConflict) {
			// somebody else took the call; an expected race, not a failure
			log.Info("call already answered elsewhere")
		} else {
			log.WithError(err).Error("answer failed")
		}
		return
	}
	if !ok {
		return
	}

	e.Registry.WithLock(callID, func(s *registry.CallSession) {
		s.Answered = true
		s.State = registry.StateAnswered
		s.Touch()
	})
	e.Publisher.Publish(ctx, Event{Type: "state", CallID: callID, State: string(registry.StateAnswered)})
	log.Info("call answered")

	e.GreetAndListen(callID)
}

// GreetAndListen speaks the configured greeting into the call and moves
// it to the listening state. Both transports use it: the webhook path
// after a successful answer, the SIP path once media is flowing.
func (e *Engine) GreetAndListen(callID string) {
	log := e.Log.WithField("call_id", callID)

	ctx := e.callContext(callID)
	if ctx == nil || ctx.Err() != nil {
		log.Info("call ended before greeting, skipping")
		return
	}

	var live bool
	e.Registry.WithLock(callID, func(s *registry.CallSession) {
		live = !s.State.Terminal()
	})
	if !live {
		return
	}

	greeting := e.Cfg.Speech.GreetingText
	audio, err := e.Coordinator.Gateway.Synthesize(ctx, greeting)
	if err != nil {
		log.WithError(err).Error("greeting synthesis failed")
		return
	}
	if ctx.Err() != nil {
		log.Info("call ended during greeting synthesis, dropping audio")
		return
	}

	e.archiveGreeting(ctx, callID, audio)
	e.Coordinator.Deliver(callID, audio)

	e.Registry.WithLock(callID, func(s *registry.CallSession) {
		if s.State.Terminal() {
			return
		}
		s.AppendTurn("assistant", greeting)
		s.State = registry.StateListening
	})
	e.Publisher.Publish(ctx, Event{Type: "state", CallID: callID, State: string(registry.StateListening)})
	log.Info("greeting delivered, listening")
}

// archiveGreeting stores the greeting WAV for later QA. Best effort.
func (e *Engine) archiveGreeting(ctx context.Context, callID string, pcm []byte) {
	if e.Recorder == nil {
		return
	}
	wav := media.WAV(pcm, e.Cfg.Speech.SampleRateHz)
	object := fmt.Sprintf("greetings/%s.wav", callID)
	if _, err := e.Recorder.Upload(ctx, object, "audio/wav", bytes.NewReader(wav)); err != nil {
		e.Log.WithError(err).WithField("call_id", callID).Warn("greeting upload failed")
	}
}

// StartSIPCall registers an already-answered SIP leg with the engine.
// The returned context governs the call's pipeline work.
func (e *Engine) StartSIPCall(callID, from, to string, sampleRateHz int) context.Context {
	_, created := e.Registry.CreateOrGet(callID, func(s *registry.CallSession) {
		s.Transport = "sip"
		s.Direction = "Inbound"
		s.FromNumber = from
		s.ToNumber = to
		s.State = registry.StateAnswered
		s.Answered = true
		s.ChunkBytes = e.chunkBytes(sampleRateHz)
	})
	ctx := e.Coordinator.Register(e.baseCtx(), callID)
	if created {
		e.Log.WithField("call_id", callID).Info("sip call session created")
	}
	return ctx
}

// Teardown ends a call idempotently: the pipeline context is cancelled,
// the answer marker released, the record persisted, and the session
// removed. Calling it twice, or for an unknown call, is a no-op.
func (e *Engine) Teardown(callID, reason, disposition string) {
	log := e.Log.WithFields(logrus.Fields{"call_id": callID, "reason": reason})

	var cp registry.CallSession
	found := e.Registry.WithLock(callID, func(s *registry.CallSession) {
		s.State = registry.StateEnded
		cp = *s
		cp.History = append([]registry.Turn(nil), s.History...)
	})
	if !found {
		log.Debug("teardown for unknown call, nothing to do")
		return
	}

	e.Coordinator.Cancel(callID)
	e.Guard.Release(callID)
	e.Registry.Remove(callID)
	e.markEnded(callID)

	if e.CallLog != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.CallLog.SaveEnded(ctx, &cp, disposition); err != nil {
			log.WithError(err).Error("failed to persist call record")
		}
	}

	e.Publisher.Publish(context.Background(), Event{Type: "state", CallID: callID, State: string(registry.StateEnded)})
	log.WithField("disposition", disposition).Info("call ended")
}

// HangupAndTeardown drops the remote leg first, then tears down locally.
func (e *Engine) HangupAndTeardown(ctx context.Context, callID string) error {
	const op = "Engine.HangupAndTeardown"

	var sessionID, partyID, transport string
	found := e.Registry.WithLock(callID, func(s *registry.CallSession) {
		sessionID, partyID, transport = s.TelephonySessionID, s.PartyID, s.Transport
	})
	if !found {
		return utils.E(utils.CodeNotFound, op, "unknown call", nil)
	}

	if transport == "webhook" && sessionID != "" {
		if err := e.Control.Hangup(ctx, sessionID, partyID); err != nil && !utils.IsCode(err, utils.CodeNotFound) {
			e.Log.WithError(err).WithField("call_id", callID).Warn("provider hangup failed, tearing down anyway")
		}
	}
	e.Teardown(callID, "Hangup", "answered")
	return nil
}

// StartSweeper reaps calls with no audio or events for the configured
// idle window. It returns after launching the background loop.
func (e *Engine) StartSweeper(ctx context.Context) {
	interval := e.Cfg.Calls.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				e.sweep()
			}
		}
	}()
}

func (e *Engine) sweep() {
	idle := e.Cfg.Calls.IdleTimeout
	if idle <= 0 {
		return
	}
	cutoff := time.Now().Add(-idle)
	for _, snap := range e.Registry.ListActive() {
		if snap.LastActivity.Before(cutoff) {
			e.Log.WithField("call_id", snap.CallID).Warn("call idle past timeout, reaping")
			e.Teardown(snap.CallID, "IdleTimeout", "answered")
		}
	}
}

func (e *Engine) callbackAfterVoicemail(number string) {
	if number == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Control.RingOut(ctx, e.Cfg.RingCentral.MainNumber, number); err != nil {
		e.Log.WithError(err).WithField("number", number).Warn("voicemail callback failed")
	}
}

func (e *Engine) chunkBytes(sampleRateHz int) int {
	return int(e.Cfg.Speech.ChunkSeconds * float64(sampleRateHz) * 2)
}

func (e *Engine) baseCtx() context.Context {
	if e.BaseCtx != nil {
		return e.BaseCtx
	}
	return context.Background()
}

func (e *Engine) callContext(callID string) context.Context {
	e.Coordinator.mu.Lock()
	defer e.Coordinator.mu.Unlock()
	return e.Coordinator.calls[callID]
}

// markSeen records an event UUID, returning false when it was already
// delivered inside the dedupe window.
func (e *Engine) markSeen(uuid string) bool {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked(now)
	if _, dup := e.seenEvents[uuid]; dup {
		return false
	}
	e.seenEvents[uuid] = now
	return true
}

func (e *Engine) markEnded(callID string) {
	now := time.Now()
	e.mu.Lock()
	e.ended[callID] = now
	e.pruneLocked(now)
	e.mu.Unlock()
}

func (e *Engine) recentlyEnded(callID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.ended[callID]
	return ok
}

func (e *Engine) pruneLocked(now time.Time) {
	if now.Sub(e.lastPrune) < time.Minute {
		return
	}
	e.lastPrune = now
	cutoff := now.Add(-dedupeTTL)
	for k, t := range e.seenEvents {
		if t.Before(cutoff) {
			delete(e.seenEvents, k)
		}
	}
	for k, t := range e.ended {
		if t.Before(cutoff) {
			delete(e.ended, k)
		}
	}
}
