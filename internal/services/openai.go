package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/teehee/chat-backend/internal/streaming"
)

// OpenAI provides a token source backed by the OpenAI chat completion API.
type OpenAI struct {
	maxTokens int

	client *goopenai.Client
}

// NewOpenAI creates a new OpenAI instance with the specified API key and
// maximum token limit.
func NewOpenAI(apiKey string, maxTokens int) OpenAI {
	return OpenAI{
		maxTokens: maxTokens,
		client:    goopenai.NewClient(apiKey),
	}
}

func openAIMessages(turns []streaming.Turn) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, len(turns))
	for i, t := range turns {
		msgs[i] = goopenai.ChatCompletionMessage{
			Role:    t.Role,
			Content: t.Text,
		}
	}
	return msgs
}

// Stream streams response fragments from the OpenAI API for a given
// conversation. The returned iterator yields text fragments until the stream
// ends, and at most one terminal error. Cancelling the context abandons the
// stream and releases the connection.
func (o OpenAI) Stream(ctx context.Context, model string, turns []streaming.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		req := goopenai.ChatCompletionRequest{
			Model:     model,
			Messages:  openAIMessages(turns),
			MaxTokens: o.maxTokens,
			Stream:    true,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			if delta := response.Choices[0].Delta.Content; delta != "" {
				if !yield(delta, nil) {
					return
				}
			}
		}
	}
}
