// Package anthropic provides a core.Worker backed by the Anthropic Messages
// API. Each dispatched node becomes one non-streaming message exchange; the
// reply text is parsed into the node's observation and the reported token
// usage into its cost.
package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"conductor/core"
	"conductor/worker"
)

// Options configures the Anthropic worker (model id, temperature, max
// tokens, API key, per-token prices). Extend via functional options to
// preserve stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
	// InputTokenPrice and OutputTokenPrice convert reported usage into the
	// cost units the budget counters track.
	InputTokenPrice  float64
	OutputTokenPrice float64
}

// Worker wraps the Anthropic Messages API behind the core.Worker interface.
type Worker struct {
	client *anthropic.Client
	opts   Options
}

// New creates a new Anthropic worker using the official client.
func New(optFns ...func(o *Options)) *Worker {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Worker{client: &client, opts: opts}
}

// NewFromClient creates a new Anthropic worker from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Worker {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Worker{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:            anthropic.ModelClaude3_5Sonnet20241022,
		Temperature:      0.7,
		MaxTokens:        4096,
		InputTokenPrice:  3e-6,
		OutputTokenPrice: 15e-6,
	}
}

// Dispatch implements core.Worker. A transport error is returned as-is so
// the dispatch layer can retry it; the model's reply always produces an
// observation.
func (w *Worker) Dispatch(ctx context.Context, item core.WorkItem) (core.Observation, error) {
	system, user := worker.BuildPrompt(item)

	params := anthropic.MessageNewParams{
		Model:       w.opts.Model,
		MaxTokens:   w.opts.MaxTokens,
		Temperature: anthropic.Float(w.opts.Temperature),
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(user))},
	}

	resp, err := w.client.Messages.New(ctx, params)
	if err != nil {
		return core.Observation{}, fmt.Errorf("anthropic api error: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}

	cost := float64(resp.Usage.InputTokens)*w.opts.InputTokenPrice +
		float64(resp.Usage.OutputTokens)*w.opts.OutputTokenPrice
	return worker.ParseObservation(text, cost), nil
}
