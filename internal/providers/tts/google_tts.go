package tts

import (
	"bytes"
	"context"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	texttospeechpb "cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
)

type GoogleTTS struct {
	c *texttospeech.Client

	LanguageCode string
	VoiceName    string
	SampleRateHz int32
}

func NewGoogleTTS(ctx context.Context, languageCode, voiceName string, sampleRateHz int32) (*GoogleTTS, error) {
	c, err := texttospeech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	if languageCode == "" {
		languageCode = "en-US"
	}
	if sampleRateHz == 0 {
		sampleRateHz = 16000
	}
	return &GoogleTTS{
		c:            c,
		LanguageCode: languageCode,
		VoiceName:    voiceName,
		SampleRateHz: sampleRateHz,
	}, nil
}

func (g *GoogleTTS) Close() error { return g.c.Close() }

func (g *GoogleTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := g.c.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: g.LanguageCode,
			Name:         g.VoiceName,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding:   texttospeechpb.AudioEncoding_LINEAR16,
			SampleRateHertz: g.SampleRateHz,
		},
	})
	if err != nil {
		return nil, err
	}
	return stripWAVHeader(resp.AudioContent), nil
}

// LINEAR16 responses arrive wrapped in a 44-byte WAV container. Downstream
// consumers (RTP framing, the bridge) want bare samples.
func stripWAVHeader(audio []byte) []byte {
	if len(audio) > 44 && bytes.HasPrefix(audio, []byte("RIFF")) {
		return audio[44:]
	}
	return audio
}
