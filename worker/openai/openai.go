// Package openai provides a core.Worker backed by the OpenAI Chat
// Completions API. Each dispatched node becomes one non-streaming chat
// exchange; the reply text is parsed into the node's observation and the
// reported token usage into its cost.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"

	"conductor/core"
	"conductor/worker"
)

// Options configure the OpenAI worker. Fields mirror a subset of Chat
// Completion parameters intentionally kept minimal; extend via functional
// options without breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	// InputTokenPrice and OutputTokenPrice convert reported usage into the
	// cost units the budget counters track.
	InputTokenPrice  float64
	OutputTokenPrice float64
}

// Worker wraps the OpenAI Chat Completions API behind the core.Worker
// interface.
type Worker struct {
	client *openai.Client
	opts   Options
}

// New creates a new OpenAI worker using the official client.
func New(optFns ...func(o *Options)) *Worker {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates a new OpenAI worker from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Worker {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
		InputTokenPrice:     15e-8,
		OutputTokenPrice:    6e-7,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Worker{client: client, opts: opts}
}

// Dispatch implements core.Worker. A transport error is returned as-is so
// the dispatch layer can retry it.
func (w *Worker) Dispatch(ctx context.Context, item core.WorkItem) (core.Observation, error) {
	system, user := worker.BuildPrompt(item)

	params := openai.ChatCompletionNewParams{
		Model: w.opts.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature:         openai.Float(w.opts.Temperature),
		MaxCompletionTokens: openai.Int(w.opts.MaxCompletionTokens),
	}

	resp, err := w.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return core.Observation{}, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return core.Observation{}, fmt.Errorf("openai returned no choices")
	}

	cost := float64(resp.Usage.PromptTokens)*w.opts.InputTokenPrice +
		float64(resp.Usage.CompletionTokens)*w.opts.OutputTokenPrice
	return worker.ParseObservation(resp.Choices[0].Message.Content, cost), nil
}
