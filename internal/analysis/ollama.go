package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"git.home.luguber.info/inful/buildbot/internal/logfields"
)

const failurePrompt = `A game build pipeline failed. Analyze the log below and provide:
1. The root cause of the failure
2. Concrete steps to fix it
3. How to prevent it in the future

Log:
`

// OllamaAnalyzer implements Analyzer against a local Ollama instance.
type OllamaAnalyzer struct {
	client     *api.Client
	model      string
	timeout    time.Duration
	maxRetries int
}

// NewOllamaAnalyzer builds an analyzer talking to the Ollama server at
// baseURL. Zero timeout defaults to 30s, zero maxRetries to 3.
func NewOllamaAnalyzer(baseURL, model string, timeout time.Duration, maxRetries int) (*OllamaAnalyzer, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &OllamaAnalyzer{
		client:     api.NewClient(u, http.DefaultClient),
		model:      model,
		timeout:    timeout,
		maxRetries: maxRetries,
	}, nil
}

func (o *OllamaAnalyzer) Name() string { return "ollama/" + o.model }

// AnalyzeFailure asks the model for a diagnosis, retrying transient
// failures with each attempt bounded by the configured timeout.
func (o *OllamaAnalyzer) AnalyzeFailure(ctx context.Context, logText string) (string, error) {
	prompt := failurePrompt + logText

	var lastErr error
	for attempt := 1; attempt <= o.maxRetries; attempt++ {
		text, err := o.generate(ctx, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		slog.Warn("Failure analysis attempt failed",
			slog.Int("attempt", attempt), logfields.Error(err))

		if ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("analyze failure after %d attempts: %w", o.maxRetries, lastErr)
}

func (o *OllamaAnalyzer) generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	stream := false
	req := &api.GenerateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: &stream,
	}

	var sb strings.Builder
	err := o.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}
