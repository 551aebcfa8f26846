package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scrollDynasty/voiceaicargoprime/internal/providers/llm"
	"github.com/scrollDynasty/voiceaicargoprime/internal/providers/stt"
	"github.com/scrollDynasty/voiceaicargoprime/internal/providers/tts"
	"github.com/scrollDynasty/voiceaicargoprime/internal/registry"
	"github.com/scrollDynasty/voiceaicargoprime/internal/utils"
)

// Gateway is the single seam between call orchestration and the speech /
// language providers. The engine never touches provider SDKs directly, so
// tests swap all three behind fakes.
type Gateway struct {
	STT stt.Provider
	TTS tts.Provider
	LLM llm.Provider

	Language     string
	SystemPrompt string
	MaxHistory   int

	Log *logrus.Logger
}

// Transcribe converts buffered PCM to text. Empty text with a nil error
// means silence; callers skip the rest of the pipeline for it.
func (g *Gateway) Transcribe(ctx context.Context, audio []byte) (string, error) {
	const op = "Gateway.Transcribe"
	if len(audio) == 0 {
		return "", nil
	}
	text, conf, err := g.STT.Transcribe(ctx, audio, g.Language)
	if err != nil {
		return "", utils.E(utils.CodeUnavailable, op, "speech recognition failed", err)
	}
	g.Log.WithFields(logrus.Fields{
		"chars":      len(text),
		"confidence": conf,
	}).Debug("transcription complete")
	return strings.TrimSpace(text), nil
}

// Generate produces the assistant reply for userText given the trailing
// conversation window.
func (g *Gateway) Generate(ctx context.Context, userText string, history []registry.Turn) (string, error) {
	const op = "Gateway.Generate"
	if strings.TrimSpace(userText) == "" {
		return "", utils.E(utils.CodeInvalidArgument, op, "empty user text", nil)
	}

	prompt := g.buildPrompt(userText, history)

	chunks, errs := g.LLM.StreamAnswer(ctx, prompt)
	var b strings.Builder
	for chunk := range chunks {
		b.WriteString(chunk)
	}
	if err := <-errs; err != nil {
		return "", utils.E(utils.CodeUnavailable, op, "language model failed", err)
	}

	answer := strings.TrimSpace(b.String())
	if answer == "" {
		return "", utils.E(utils.CodeUnavailable, op, "language model returned nothing", nil)
	}
	return answer, nil
}

// Synthesize renders text to PCM at the provider's configured rate.
func (g *Gateway) Synthesize(ctx context.Context, text string) ([]byte, error) {
	const op = "Gateway.Synthesize"
	if strings.TrimSpace(text) == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "empty text", nil)
	}
	audio, err := g.TTS.Synthesize(ctx, text)
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "speech synthesis failed", err)
	}
	return audio, nil
}

// buildPrompt flattens the system prompt and the last MaxHistory turns
// into a single prompt. Older turns fall off the window.
func (g *Gateway) buildPrompt(userText string, history []registry.Turn) string {
	var b strings.Builder
	if g.SystemPrompt != "" {
		b.WriteString(g.SystemPrompt)
		b.WriteString("\n\n")
	}

	window := history
	if g.MaxHistory > 0 && len(window) > g.MaxHistory {
		window = window[len(window)-g.MaxHistory:]
	}
	for _, t := range window {
		switch t.Role {
		case "assistant":
			b.WriteString("Assistant: ")
		default:
			b.WriteString("Caller: ")
		}
		b.WriteString(t.Text)
		b.WriteString("\n")
	}

	b.WriteString("Caller: ")
	b.WriteString(userText)
	b.WriteString("\nAssistant:")
	return b.String()
}

// Timeout wraps ctx with the per-stage provider deadline.
func Timeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(ctx, d)
}
