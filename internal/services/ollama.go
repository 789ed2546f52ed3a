package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
	"github.com/teehee/chat-backend/internal/streaming"
)

// Ollama provides a token source backed by a local Ollama server. Unlike the
// hosted providers it needs no API key, only the host URL of the server.
type Ollama struct {
	host string

	client *api.Client
}

// NewOllama creates a new Ollama instance for the given host URL. It returns
// an error if the host is not a valid URL.
func NewOllama(host string) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host: %w", err)
	}

	return Ollama{
		host:   host,
		client: api.NewClient(u, &http.Client{}),
	}, nil
}

// errStopStream signals the Ollama client callback to stop the stream when
// the consumer abandons iteration.
var errStopStream = errors.New("stop stream")

// Stream streams response fragments from the Ollama model. The returned
// iterator yields text fragments and at most one terminal error; cancelling
// the context abandons the request.
func (o Ollama) Stream(ctx context.Context, model string, turns []streaming.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := make([]api.Message, len(turns))
		for i, t := range turns {
			msgs[i] = api.Message{
				Role:    t.Role,
				Content: t.Text,
			}
		}

		stream := true
		req := api.ChatRequest{
			Model:    model,
			Messages: msgs,
			Stream:   &stream,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if !yield(res.Message.Content, nil) {
				return errStopStream
			}
			return nil
		}); err != nil {
			if errors.Is(err, errStopStream) || errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
		}
	}
}
