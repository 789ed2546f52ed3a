package services

import (
	"fmt"

	"github.com/teehee/chat-backend/internal/streaming"
)

// ProviderInfo describes an available LLM provider and the models it serves,
// as exposed by the models catalog endpoint.
type ProviderInfo struct {
	Name        string   `json:"name"`
	Models      []string `json:"models"`
	Description string   `json:"description"`
	RequiresKey bool     `json:"requires_key"`
}

// Providers returns the catalog of supported providers. The model lists are
// static; they describe what the backend knows how to talk to, not what a
// given API key is entitled to.
func Providers() []ProviderInfo {
	return []ProviderInfo{
		{
			Name: "openai",
			Models: []string{
				"gpt-4-turbo-preview",
				"gpt-4",
				"gpt-3.5-turbo",
				"gpt-3.5-turbo-16k",
			},
			Description: "OpenAI GPT models",
			RequiresKey: true,
		},
		{
			Name: "anthropic",
			Models: []string{
				"claude-3-opus-20240229",
				"claude-3-sonnet-20240229",
				"claude-3-haiku-20240307",
				"claude-2.1",
				"claude-2.0",
			},
			Description: "Anthropic Claude models",
			RequiresKey: true,
		},
		{
			Name: "mistral",
			Models: []string{
				"mistral-large-latest",
				"mistral-medium-latest",
				"mistral-small-latest",
				"open-mixtral-8x7b",
				"open-mistral-7b",
			},
			Description: "Mistral AI models",
			RequiresKey: true,
		},
		{
			Name:        "ollama",
			Models:      []string{},
			Description: "Local Ollama models",
			RequiresKey: false,
		},
	}
}

// ValidProvider reports whether name is a supported provider.
func ValidProvider(name string) bool {
	for _, p := range Providers() {
		if p.Name == name {
			return true
		}
	}
	return false
}

// ProviderRequiresKey reports whether the named provider needs an API key.
func ProviderRequiresKey(name string) bool {
	for _, p := range Providers() {
		if p.Name == name {
			return p.RequiresKey
		}
	}
	return true
}

// Factory opens token sources for named providers. It carries the
// configuration shared by all providers; per-request inputs (API key, model,
// history) arrive through Open and Stream.
type Factory struct {
	OllamaHost string
	MaxTokens  int
}

// Open returns a token source for the named provider using the given
// credentials. It fails for unknown provider names, so requests are rejected
// before any run is created.
func (f Factory) Open(provider, apiKey string) (streaming.Provider, error) {
	switch provider {
	case "openai":
		return NewOpenAI(apiKey, f.MaxTokens), nil
	case "anthropic":
		return NewAnthropic(apiKey, f.MaxTokens), nil
	case "mistral":
		return NewMistral(apiKey, f.MaxTokens), nil
	case "ollama":
		return NewOllama(f.OllamaHost)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}
