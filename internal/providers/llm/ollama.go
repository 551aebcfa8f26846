package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Ollama talks to a local Ollama server. Responses are requested
// unstreamed and emitted as a single chunk so the Provider contract stays
// the same as the Vertex implementation.
type Ollama struct {
	BaseURL string
	Model   string
	hc      *http.Client
}

func NewOllama(baseURL, model string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3"
	}
	return &Ollama{
		BaseURL: baseURL,
		Model:   model,
		hc:      &http.Client{Timeout: 60 * time.Second},
	}
}

func (o *Ollama) Close() error { return nil }

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaResponse struct {
	Message ollamaMessage `json:"message"`
	Error   string        `json:"error"`
}

func (o *Ollama) StreamAnswer(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	out := make(chan string, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		body, err := json.Marshal(ollamaRequest{
			Model:    o.Model,
			Messages: []ollamaMessage{{Role: "user", Content: prompt}},
			Stream:   false,
		})
		if err != nil {
			errs <- err
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			errs <- err
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := o.hc.Do(req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errs <- fmt.Errorf("ollama returned status %d", resp.StatusCode)
			return
		}

		var parsed ollamaResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			errs <- err
			return
		}
		if parsed.Error != "" {
			errs <- fmt.Errorf("ollama: %s", parsed.Error)
			return
		}
		if parsed.Message.Content != "" {
			out <- parsed.Message.Content
		}
	}()

	return out, errs
}
