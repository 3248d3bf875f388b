// Package openai streams chat completions for the consultation pipeline.
package openai

import (
	"context"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/ruchi-nb/full-matata-sub000/internal/platform/errors"
	"github.com/ruchi-nb/full-matata-sub000/internal/platform/logging"
	"github.com/ruchi-nb/full-matata-sub000/internal/providers"
)

// Config carries model credentials and generation settings.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Provider implements TokenStreamer over the OpenAI-compatible chat API.
type Provider struct {
	cfg    Config
	client *goopenai.Client
	logger *logging.Logger
}

var _ providers.TokenStreamer = (*Provider)(nil)

func NewProvider(cfg Config, logger *logging.Logger) *Provider {
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Provider{
		cfg:    cfg,
		client: goopenai.NewClientWithConfig(clientCfg),
		logger: logger,
	}
}

func (p *Provider) request(messages []providers.Message, stream bool) goopenai.ChatCompletionRequest {
	converted := make([]goopenai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		converted[i] = goopenai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return goopenai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    converted,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: float32(p.cfg.Temperature),
		Stream:      stream,
	}
}

// Stream starts a streaming completion and fans deltas into a channel. The
// channel always terminates with a Done chunk and then closes; a mid-stream
// vendor failure arrives as a chunk with Err set.
func (p *Provider) Stream(ctx context.Context, messages []providers.Message) (<-chan providers.Chunk, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.request(messages, true))
	if err != nil {
		return nil, errors.Wrap(errors.KindGeneration, "llm.stream", "stream creation failed", err)
	}

	out := make(chan providers.Chunk, 10)

	go func() {
		defer close(out)
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if strings.Contains(err.Error(), "EOF") || strings.Contains(err.Error(), "stream closed") {
					out <- providers.Chunk{Done: true}
					return
				}
				p.logger.WarnTag("LLM", "stream receive failed: %v", err)
				out <- providers.Chunk{
					Err:  errors.Wrap(errors.KindGeneration, "llm.stream", "stream receive failed", err),
					Done: true,
				}
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			choice := response.Choices[0]
			chunk := providers.Chunk{
				Content: choice.Delta.Content,
				Done:    choice.FinishReason != "",
			}

			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}

			if chunk.Done {
				return
			}
		}
	}()

	return out, nil
}

// Complete runs a non-streaming completion, used for back-translating whole
// responses and for connectivity checks.
func (p *Provider) Complete(ctx context.Context, messages []providers.Message) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.request(messages, false))
	if err != nil {
		return "", errors.Wrap(errors.KindGeneration, "llm.complete", "API call failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New(errors.KindGeneration, "llm.complete", "no response choices")
	}
	return resp.Choices[0].Message.Content, nil
}
