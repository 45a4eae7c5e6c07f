// Package llm streams chat completions from OpenAI-compatible servers
// (LM Studio, llama.cpp, llamafile, OpenAI) and from Ollama.
package llm

import (
	"context"
	"strings"

	"github.com/Notnaton/simplewebui/internal/models"
)

// Provider names the wire protocol used to reach a model
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderOllama Provider = "ollama"
)

// TokenFunc receives every non-empty content chunk as it arrives.
// Returning an error stops the stream.
type TokenFunc func(token string) error

// Streamer is the completion abstraction the web layer depends on.
type Streamer interface {
	Stream(ctx context.Context, cfg models.LLMConfig, msgs []models.Message, onToken TokenFunc) (string, error)
}

// Resolve splits a litellm-style model string ("openai/local",
// "ollama/llama3") into the provider and the model name sent on the wire.
// Unknown or missing prefixes are treated as OpenAI-compatible and kept.
func Resolve(model string) (Provider, string) {
	prefix, name, ok := strings.Cut(model, "/")
	if !ok {
		return ProviderOpenAI, model
	}
	switch strings.ToLower(prefix) {
	case "openai", "lm_studio", "hosted_vllm":
		return ProviderOpenAI, name
	case "ollama", "ollama_chat":
		return ProviderOllama, name
	default:
		return ProviderOpenAI, model
	}
}

// endpoint builds the request URL for provider from the configured api base.
func endpoint(p Provider, apiBase string) string {
	base := strings.TrimRight(strings.TrimSpace(apiBase), "/")
	switch p {
	case ProviderOllama:
		base = strings.TrimSuffix(base, "/api/chat")
		base = strings.TrimSuffix(base, "/v1")
		return base + "/api/chat"
	default:
		if strings.HasSuffix(base, "/chat/completions") {
			return base
		}
		return base + "/chat/completions"
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

func toWire(msgs []models.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wireMessage{Role: string(m.Role), Content: m.Message})
	}
	return out
}
