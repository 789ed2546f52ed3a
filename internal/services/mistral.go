package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"

	"github.com/teehee/chat-backend/internal/streaming"
	"github.com/tmaxmax/go-sse"
)

// Mistral provides a token source backed by the Mistral AI chat completion
// API, which speaks the OpenAI-compatible SSE dialect.
type Mistral struct {
	apiKey    string
	maxTokens int

	baseURL string
	client  *http.Client
}

type mistralChatRequest struct {
	Model     string           `json:"model"`
	Messages  []mistralMessage `json:"messages"`
	MaxTokens int              `json:"max_tokens,omitempty"`
	Stream    bool             `json:"stream"`
}

type mistralMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type mistralStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

const mistralAPIEndpoint = "https://api.mistral.ai/v1"

// NewMistral creates a new Mistral instance with the specified API key and
// maximum token limit.
func NewMistral(apiKey string, maxTokens int) Mistral {
	return Mistral{
		apiKey:    apiKey,
		maxTokens: maxTokens,
		baseURL:   mistralAPIEndpoint,
		client:    &http.Client{},
	}
}

// Stream streams response fragments from the Mistral API for a given
// conversation. The returned iterator yields text fragments and at most one
// terminal error; the context can be used to cancel the ongoing request.
func (m Mistral) Stream(ctx context.Context, model string, turns []streaming.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := make([]mistralMessage, len(turns))
		for i, t := range turns {
			msgs[i] = mistralMessage{
				Role:    t.Role,
				Content: t.Text,
			}
		}

		reqBody := mistralChatRequest{
			Model:     model,
			Messages:  msgs,
			MaxTokens: m.maxTokens,
			Stream:    true,
		}

		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			yield("", fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			m.baseURL+"/chat/completions", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield("", fmt.Errorf("error creating request: %w", err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+m.apiKey)

		resp, err := m.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			yield("", fmt.Errorf("mistral returned status %d: %s", resp.StatusCode, body))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}
			if ev.Data == "[DONE]" {
				return
			}

			var res mistralStreamResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield("", fmt.Errorf("error unmarshaling response: %w", err))
				return
			}
			if len(res.Choices) == 0 {
				continue
			}
			if delta := res.Choices[0].Delta.Content; delta != "" {
				if !yield(delta, nil) {
					return
				}
			}
		}
	}
}
