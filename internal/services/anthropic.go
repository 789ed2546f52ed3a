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

// Anthropic provides a token source backed by the Anthropic messages API. It
// implements the streaming.Provider interface and handles streaming chat
// completions using Claude models.
type Anthropic struct {
	apiKey    string
	maxTokens int

	baseURL string
	client  *http.Client
}

type anthropicChatRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens,omitempty"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const anthropicAPIEndpoint = "https://api.anthropic.com/v1"

// NewAnthropic creates a new Anthropic instance with the specified API key
// and maximum token limit. It initializes an HTTP client for API
// communication and returns a configured instance ready for streaming.
func NewAnthropic(apiKey string, maxTokens int) Anthropic {
	return Anthropic{
		apiKey:    apiKey,
		maxTokens: maxTokens,
		baseURL:   anthropicAPIEndpoint,
		client:    &http.Client{},
	}
}

func extractSystemTurn(turns []streaming.Turn) (string, []streaming.Turn) {
	if len(turns) == 0 {
		return "", turns
	}

	if turns[0].Role == "system" {
		return turns[0].Text, turns[1:]
	}

	return "", turns
}

// Stream streams response fragments from the Anthropic API for a given
// conversation. It processes system turns separately and returns an iterator
// that yields text fragments and potential errors. The context can be used
// to cancel the ongoing request.
func (a Anthropic) Stream(ctx context.Context, model string, turns []streaming.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		systemText, ts := extractSystemTurn(turns)

		msgs := make([]anthropicMessage, len(ts))
		for i, t := range ts {
			msgs[i] = anthropicMessage{
				Role:    t.Role,
				Content: t.Text,
			}
		}

		reqBody := anthropicChatRequest{
			Model:     model,
			Messages:  msgs,
			Stream:    true,
			System:    systemText,
			MaxTokens: a.maxTokens,
		}

		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			yield("", fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			a.baseURL+"/messages", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield("", fmt.Errorf("error creating request: %w", err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", a.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")

		resp, err := a.client.Do(req)
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
			yield("", fmt.Errorf("anthropic returned status %d: %s", resp.StatusCode, body))
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
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield("", fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield("", fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
				return
			case "message_stop":
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield("", fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				if !yield(res.Delta.Text, nil) {
					return
				}
			default:
				continue
			}
		}
	}
}
