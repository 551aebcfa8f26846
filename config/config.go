package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every runtime setting of the orchestrator. Values come
// from the environment (a local .env is loaded by main before Load runs).
type Config struct {
	HTTP        HTTPConfig
	RingCentral RingCentralConfig
	Speech      SpeechConfig
	LLM         LLMConfig
	SIP         SIPConfig
	Calls       CallConfig
	Storage     StorageConfig
}

type HTTPConfig struct {
	Host string
	Port int
}

type RingCentralConfig struct {
	ClientID      string
	ClientSecret  string
	ServerURL     string
	MainNumber    string // monitored company number, E.164
	JWTToken      string
	RefreshToken  string
	WebhookURL    string // public address registered in the subscription
	WebhookSecret string // HMAC key for signature verification, optional
}

type SpeechConfig struct {
	LanguageCode  string
	SampleRateHz  int     // bridge audio, LINEAR16
	ChunkSeconds  float64 // buffered audio per pipeline run
	TTSVoiceName  string
	TTSLanguage   string
	GreetingText  string
	FallbackText  string
}

type LLMConfig struct {
	Provider     string // "vertex" or "ollama"
	ProjectID    string
	Location     string
	Model        string
	OllamaURL    string
	SystemPrompt string
	MaxHistory   int // conversation turns handed to the model
}

type SIPConfig struct {
	Enabled          bool
	Domain           string
	Username         string
	Password         string
	AuthorizationID  string
	LocalIP          string
	PublicIP         string
	Port             int
	RTPPortMin       int
	RTPPortMax       int
	RegisterInterval time.Duration
	RTPIdleTimeout   time.Duration
}

type CallConfig struct {
	MaxConcurrent int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// CallbackOnVoicemail triggers a best-effort ring-out to callers that
	// land in voicemail.
	CallbackOnVoicemail bool
}

type StorageConfig struct {
	Bucket string
}

func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Host: env("HTTP_HOST", "0.0.0.0"),
			Port: envInt("HTTP_PORT", 8080),
		},
		RingCentral: RingCentralConfig{
			ClientID:      os.Getenv("RC_CLIENT_ID"),
			ClientSecret:  os.Getenv("RC_CLIENT_SECRET"),
			ServerURL:     env("RC_SERVER_URL", "https://platform.ringcentral.com"),
			MainNumber:    os.Getenv("RC_MAIN_NUMBER"),
			JWTToken:      os.Getenv("RC_JWT_TOKEN"),
			RefreshToken:  os.Getenv("RC_REFRESH_TOKEN"),
			WebhookURL:    os.Getenv("RC_WEBHOOK_URL"),
			WebhookSecret: os.Getenv("RC_WEBHOOK_SECRET"),
		},
		Speech: SpeechConfig{
			LanguageCode: env("SPEECH_LANGUAGE", "en-US"),
			SampleRateHz: envInt("SPEECH_SAMPLE_RATE", 16000),
			ChunkSeconds: envFloat("SPEECH_CHUNK_SECONDS", 2.0),
			TTSVoiceName: env("TTS_VOICE", "en-US-Neural2-C"),
			TTSLanguage:  env("TTS_LANGUAGE", "en-US"),
			GreetingText: env("GREETING_TEXT",
				"Thank you for calling Cargo Prime dispatch, this is the automated assistant. How can I help you today?"),
			FallbackText: env("FALLBACK_TEXT",
				"I'm sorry, I'm having trouble right now. Please hold while I connect you to a dispatcher."),
		},
		LLM: LLMConfig{
			Provider:     env("LLM_PROVIDER", "vertex"),
			ProjectID:    os.Getenv("GCP_PROJECT_ID"),
			Location:     env("GCP_LOCATION", "us-central1"),
			Model:        env("LLM_MODEL", "gemini-1.5-flash"),
			OllamaURL:    env("OLLAMA_URL", "http://localhost:11434"),
			SystemPrompt: env("LLM_SYSTEM_PROMPT", defaultSystemPrompt),
			MaxHistory:   envInt("LLM_MAX_HISTORY", 10),
		},
		SIP: SIPConfig{
			Enabled:          envBool("SIP_ENABLED", false),
			Domain:           os.Getenv("SIP_DOMAIN"),
			Username:         os.Getenv("SIP_USERNAME"),
			Password:         os.Getenv("SIP_PASSWORD"),
			AuthorizationID:  os.Getenv("SIP_AUTHORIZATION_ID"),
			LocalIP:          env("SIP_LOCAL_IP", "0.0.0.0"),
			PublicIP:         os.Getenv("SIP_PUBLIC_IP"),
			Port:             envInt("SIP_PORT", 5060),
			RTPPortMin:       envInt("RTP_PORT_MIN", 10000),
			RTPPortMax:       envInt("RTP_PORT_MAX", 20000),
			RegisterInterval: envDuration("SIP_REGISTER_INTERVAL", 50*time.Second),
			RTPIdleTimeout:   envDuration("RTP_IDLE_TIMEOUT", 30*time.Second),
		},
		Calls: CallConfig{
			MaxConcurrent:       envInt("MAX_CONCURRENT_CALLS", 10),
			IdleTimeout:         envDuration("CALL_IDLE_TIMEOUT", 5*time.Minute),
			SweepInterval:       envDuration("CALL_SWEEP_INTERVAL", 30*time.Second),
			CallbackOnVoicemail: envBool("CALLBACK_ON_VOICEMAIL", false),
		},
		Storage: StorageConfig{
			Bucket: os.Getenv("GCS_BUCKET"),
		},
	}

	if cfg.RingCentral.ClientID == "" || cfg.RingCentral.ClientSecret == "" {
		return nil, errors.New("RC_CLIENT_ID and RC_CLIENT_SECRET must be set")
	}
	if cfg.SIP.Enabled && cfg.SIP.Domain == "" {
		return nil, errors.New("SIP_DOMAIN must be set when SIP_ENABLED=true")
	}
	if cfg.Speech.ChunkSeconds <= 0 {
		return nil, errors.New("SPEECH_CHUNK_SECONDS must be positive")
	}
	return cfg, nil
}

const defaultSystemPrompt = "You are a dispatcher assistant for Cargo Prime, " +
	"a US trucking and logistics company. Answer briefly and politely. " +
	"Help callers with load status, pickup and delivery scheduling, and " +
	"driver availability. If you cannot help, offer to transfer the caller " +
	"to a human dispatcher."

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
